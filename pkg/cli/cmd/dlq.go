package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/senpuki/senpuki/pkg/cli/output"
)

var (
	dlqListLimit  int
	dlqReplayQueue string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and administer the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		letters, err := s.ListDeadLetters(cmd.Context(), dlqListLimit)
		if err != nil {
			output.Error("list failed: %v", err)
			return err
		}

		if jsonOutput {
			return output.PrintJSON(letters)
		}
		if len(letters) == 0 {
			output.Info("dead-letter queue is empty")
			return nil
		}

		table := output.NewTable([]string{"ID", "TASK_ID", "EXECUTION_ID", "REASON", "CREATED"})
		for _, dl := range letters {
			table.AddRow([]string{
				dl.ID, dl.TaskID, dl.ExecutionID, truncate(dl.Reason, 40),
				dl.CreatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <dead-letter-id>",
	Short: "Show one dead letter's full snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		dl, err := s.GetDeadLetter(cmd.Context(), args[0])
		if err != nil {
			output.Error("dead letter %s not found: %v", args[0], err)
			return err
		}
		if jsonOutput {
			return output.PrintJSON(dl)
		}
		fmt.Printf("ID:           %s\n", dl.ID)
		fmt.Printf("Task ID:      %s\n", dl.TaskID)
		fmt.Printf("Execution ID: %s\n", dl.ExecutionID)
		fmt.Printf("Reason:       %s\n", dl.Reason)
		fmt.Printf("Created:      %s\n", dl.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Snapshot:     %s\n", dl.Snapshot)
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <dead-letter-id>",
	Short: "Reinsert a dead letter as a fresh pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := s.ReplayDeadLetter(cmd.Context(), args[0], dlqReplayQueue)
		if err != nil {
			output.Error("replay failed: %v", err)
			return err
		}
		output.Success("replayed as task %s (execution %s, queue %s)", task.ID, task.ExecutionID, task.Queue)
		return nil
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <dead-letter-id>",
	Short: "Discard a dead letter without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DeleteDeadLetter(cmd.Context(), args[0]); err != nil {
			output.Error("delete failed: %v", err)
			return err
		}
		output.Success("deleted dead letter %s", args[0])
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 20, "maximum dead letters to return")
	dlqReplayCmd.Flags().StringVar(&dlqReplayQueue, "queue", "", "dispatch the replayed task to this queue instead of its original one")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	dlqCmd.AddCommand(dlqDeleteCmd)
}
