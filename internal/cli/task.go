package cli

import (
	"fmt"
	"strings"

	"github.com/rob-otix-ai/cto-flow-sub001/pkg/client"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Claim, release and report on epic tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskClaimCmd())
	cmd.AddCommand(newTaskReleaseCmd())
	cmd.AddCommand(newTaskProgressCmd())
	cmd.AddCommand(newTaskReviewCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var epicID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked tasks for an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			tasks, err := api.ListTasks(cmd.Context(), epicID)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
				return nil
			}
			for _, task := range tasks {
				assignee := task.AssignedTo
				if assignee == "" {
					assignee = "-"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "#%-5s %-12s %3d%%  %-12s %s\n",
					task.TaskID, task.Status, task.Progress, assignee, task.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "Epic ID")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func newTaskClaimCmd() *cobra.Command {
	var epicID string
	var number int

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a task (scored against the agent's capabilities)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if number <= 0 {
				return fmt.Errorf("--number must be a positive item number")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := api.ClaimTask(cmd.Context(), epicID, number)
			if err != nil {
				return err
			}
			return printTaskResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "Epic ID")
	cmd.Flags().IntVar(&number, "number", 0, "Task item number")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func newTaskReleaseCmd() *cobra.Command {
	var epicID string
	var number int

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a held task claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if number <= 0 {
				return fmt.Errorf("--number must be a positive item number")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := api.ReleaseTask(cmd.Context(), epicID, number)
			if err != nil {
				return err
			}
			return printTaskResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "Epic ID")
	cmd.Flags().IntVar(&number, "number", 0, "Task item number")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func newTaskProgressCmd() *cobra.Command {
	var (
		epicID   string
		number   int
		status   string
		progress int
		notes    string
		hours    float64
		blockers []string
		quality  float64
	)

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Report progress on a held task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if number <= 0 {
				return fmt.Errorf("--number must be a positive item number")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			upd := client.ProgressUpdate{
				Status:      status,
				Notes:       notes,
				ActualHours: hours,
				Blockers:    blockers,
				Quality:     quality,
			}
			if cmd.Flags().Changed("progress") {
				upd.Progress = &progress
			}
			res, err := api.ReportProgress(cmd.Context(), epicID, number, upd)
			if err != nil {
				return err
			}
			return printTaskResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "Epic ID")
	cmd.Flags().IntVar(&number, "number", 0, "Task item number")
	cmd.Flags().StringVar(&status, "status", "", "New status (in_progress, blocked, review, completed)")
	cmd.Flags().IntVar(&progress, "progress", 0, "Progress percentage 0-100")
	cmd.Flags().StringVar(&notes, "notes", "", "Checkpoint notes")
	cmd.Flags().Float64Var(&hours, "hours", 0, "Actual hours spent so far")
	cmd.Flags().StringSliceVar(&blockers, "blocker", nil, "Blocker description (repeatable)")
	cmd.Flags().Float64Var(&quality, "quality", 0, "Quality 0-100, recorded on completion")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func newTaskReviewCmd() *cobra.Command {
	var epicID string
	var number int
	var notes string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Move a held task to review and notify eligible reviewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if number <= 0 {
				return fmt.Errorf("--number must be a positive item number")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := api.RequestReview(cmd.Context(), epicID, number, notes)
			if err != nil {
				return err
			}
			return printTaskResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "Epic ID")
	cmd.Flags().IntVar(&number, "number", 0, "Task item number")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes for reviewers")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func printTaskResult(cmd *cobra.Command, res *client.TaskResult) error {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s task %s (epic %s)\n", res.Outcome, res.TaskID, res.EpicID)
	if res.Score != nil {
		b := res.Score.Breakdown
		_, _ = fmt.Fprintf(out, "score %.1f (threshold %.0f): capability %.0f, history %.0f, availability %.0f, specialization %.0f, experience %.0f\n",
			res.Score.TotalScore, res.Score.Threshold,
			b.CapabilityMatch, b.PerformanceHistory, b.Availability, b.Specialization, b.Experience)
	}
	if len(res.Reviewers) > 0 {
		_, _ = fmt.Fprintf(out, "reviewers: %s\n", strings.Join(res.Reviewers, ", "))
	}
	if res.Message != "" {
		_, _ = fmt.Fprintln(out, res.Message)
	}
	if res.Error != "" {
		return fmt.Errorf("%s", res.Error)
	}
	return nil
}
