package main

import (
	"context"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/cli"
)

// Run executes the CLI and translates the outcome into a process exit code.
// Cobra owns error printing; this layer only reports failure to scripts.
func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
