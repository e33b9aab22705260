package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/config"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify home directory and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			if _, err := os.Stat(home); err != nil && !os.IsNotExist(err) {
				problems = append(problems, fmt.Sprintf("home %s not accessible: %v", home, err))
			}

			// Config must parse and validate (file + env overrides).
			if _, err := config.Load(home); err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
