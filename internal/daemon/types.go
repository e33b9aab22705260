package daemon

// StartOptions configures the daemon (home, port, observability, epic auto-close).
type StartOptions struct {
	Home       string
	Port       int
	Dev        bool
	PprofAddr  string
	AutoClose  bool // close epics automatically once every child task completes
	EnableOtel bool // OpenTelemetry metrics (Prometheus exporter + HTTP instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
