package cli

import (
	"bytes"
	"regexp"
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "epic", "task", "apikey", "nuke"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func TestApikeyGenerate(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"apikey", "generate", "--home", t.TempDir()})
	if err := root.Execute(); err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	out := buf.String()
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !regexp.MustCompile(`CTOFLOW_API_KEY`).MatchString(out) {
		t.Errorf("output should mention CTOFLOW_API_KEY")
	}
	if !regexp.MustCompile(`X-API-Key`).MatchString(out) {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestDoctor(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"doctor", "--home", t.TempDir()})
	if err := root.Execute(); err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if buf.String() != "ok\n" {
		t.Errorf("doctor output = %q, want ok", buf.String())
	}
}

func TestEpicSyncRejectsBadDirection(t *testing.T) {
	root := NewRootCmd("")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"epic", "sync", "e1", "--direction", "sideways", "--home", t.TempDir()})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for bad --direction")
	}
}

func TestStatusNotRunning(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"status", "--home", t.TempDir()})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if buf.String() != "ctoflow not running\n" {
		t.Errorf("status output = %q", buf.String())
	}
}
