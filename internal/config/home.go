package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// defaultDirName is the per-user state directory created under $HOME when no
// explicit location is given.
const defaultDirName = ".ctoflow"

type homeKey struct{}

// WithHome attaches the resolved state directory to the context so commands
// further down the cobra tree can pick it up.
func WithHome(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeKey{}, home)
}

// HomeFrom extracts the state directory placed by WithHome.
func HomeFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(homeKey{}).(string)
	return s, ok
}

// MustHomeFrom is HomeFrom for call sites that run strictly after home
// resolution. Reaching the panic means a command bypassed the root
// command's PersistentPreRun.
func MustHomeFrom(ctx context.Context) string {
	h, ok := HomeFrom(ctx)
	if !ok || h == "" {
		panic("config: home directory not resolved; WithHome must run first")
	}
	return h
}

// ResolveHome picks the state directory: an explicit override wins, then
// CTOFLOW_HOME, then ~/.ctoflow.
func ResolveHome(override string) (string, error) {
	for _, cand := range []string{override, os.Getenv("CTOFLOW_HOME")} {
		if cand != "" {
			return filepath.Clean(cand), nil
		}
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, defaultDirName), nil
}
