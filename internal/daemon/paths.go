package daemon

import (
	"path/filepath"
)

// runDir holds runtime state the user should not edit by hand: pid, addr,
// and lock files plus the daemon log. config.yaml stays at the home root;
// store backends keep their data under <home>/data.
func runDir(home string) string {
	return filepath.Join(home, "run")
}

func pidPath(home string) string {
	return filepath.Join(runDir(home), "ctoflow.pid")
}

func lockPath(home string) string {
	return filepath.Join(runDir(home), "ctoflow.lock")
}

func addrPath(home string) string {
	return filepath.Join(runDir(home), "ctoflow.addr")
}

func logPath(home string) string {
	return filepath.Join(runDir(home), "ctoflow.log")
}
