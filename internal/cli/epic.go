package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newEpicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epic",
		Short: "Manage epics",
	}
	cmd.AddCommand(newEpicCreateCmd())
	cmd.AddCommand(newEpicListCmd())
	cmd.AddCommand(newEpicShowCmd())
	cmd.AddCommand(newEpicCloseCmd())
	cmd.AddCommand(newEpicSyncCmd())
	cmd.AddCommand(newEpicStatsCmd())
	cmd.AddCommand(newEpicAgentsCmd())
	cmd.AddCommand(newEpicExportCmd())
	cmd.AddCommand(newEpicDeleteCmd())
	return cmd
}

func newEpicCreateCmd() *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic from a YAML spec (remote items + milestones + local tracking)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specFile == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			var spec models.EpicSpec
			if err := yaml.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("parse %s: %w", specFile, err)
			}

			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			epic, err := api.CreateEpic(cmd.Context(), spec)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created epic %s (%q, %d stories)\n", epic.ID, epic.Title, len(spec.Stories))
			return nil
		},
	}
	cmd.Flags().StringVarP(&specFile, "file", "f", "", "YAML epic spec file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newEpicListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			epics, err := api.ListEpics(cmd.Context())
			if err != nil {
				return err
			}
			if len(epics) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No epics")
				return nil
			}
			for _, e := range epics {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %s\n", e.ID, e.Status, e.Title)
			}
			return nil
		},
	}
	return cmd
}

func newEpicShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <epic-id>",
		Short: "Show an epic's stored context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			ec, err := api.GetEpic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, ec)
		},
	}
	return cmd
}

func newEpicCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <epic-id>",
		Short: "Close an epic (fails while child items remain open)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.CloseEpic(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Closed epic %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newEpicSyncCmd() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "sync <epic-id>",
		Short: "Sync an epic with the remote tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if direction != "pull" && direction != "push" {
				return fmt.Errorf("--direction must be pull or push")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.Sync(cmd.Context(), args[0], direction); err != nil {
				return err
			}
			state, err := api.GetSyncState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Synced %s (%s): status %s, %d recorded conflicts\n",
				args[0], direction, state.Status, len(state.Conflicts))
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "pull", "Sync direction: pull or push")
	return cmd
}

func newEpicStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <epic-id>",
		Short: "Show a diagnostic snapshot of an epic's stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			stats, err := api.GetStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	return cmd
}

func newEpicAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents <epic-id>",
		Short: "List agent assignments recorded for an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			assignments, err := api.ListAssignments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(assignments) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No assignments")
				return nil
			}
			for _, a := range assignments {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-10s %-10s tasks: %d\n",
					a.AgentID, a.Role, a.Status, len(a.TaskIDs))
			}
			return nil
		},
	}
	return cmd
}

func newEpicExportCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export <epic-id>",
		Short: "Export everything stored for an epic as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			export, err := api.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outFile == "" {
				return printJSON(cmd, export)
			}
			raw, err := json.MarshalIndent(export, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outFile, append(raw, '\n'), 0o644); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write JSON to file instead of stdout")
	return cmd
}

func newEpicDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <epic-id>",
		Short: "Delete everything stored for an epic (remote items are untouched)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.DeleteEpic(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted epic %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}
