package daemon

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
)

// startPprof serves the profiling endpoints on their own listener so they
// never share a mux (or an API key requirement) with the public API. No-op
// when addr is empty.
func startPprof(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Info("pprof server stopped", "addr", addr, "err", err)
		}
	}()
}
