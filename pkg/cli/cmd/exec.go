package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/senpuki/senpuki/pkg/cli/output"
	"github.com/senpuki/senpuki/pkg/storage"
)

var (
	execListLimit int
	execListState string
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Inspect executions",
}

var execListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		opts := storage.ListOptions{Limit: execListLimit}
		if execListState != "" {
			opts.State = storage.ExecutionState(execListState)
		}
		execs, err := s.ListExecutions(cmd.Context(), opts)
		if err != nil {
			output.Error("list failed: %v", err)
			return err
		}

		if jsonOutput {
			return output.PrintJSON(execs)
		}

		if len(execs) == 0 {
			output.Info("no executions found")
			return nil
		}

		table := output.NewTable([]string{"ID", "FUNCTION", "STATE", "CREATED", "UPDATED"})
		for _, e := range execs {
			table.AddRow([]string{
				e.ID,
				e.FunctionName,
				string(e.State),
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

var execShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution's state and progress log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		exec, err := s.StateOf(cmd.Context(), args[0])
		if err != nil {
			output.Error("execution %s not found: %v", args[0], err)
			return err
		}

		if jsonOutput {
			return output.PrintJSON(exec)
		}

		fmt.Printf("ID:       %s\n", exec.ID)
		fmt.Printf("Function: %s\n", exec.FunctionName)
		fmt.Printf("State:    %s\n", exec.State)
		fmt.Printf("Created:  %s\n", exec.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:  %s\n", exec.UpdatedAt.Format("2006-01-02 15:04:05"))
		if exec.ErrorText != "" {
			fmt.Printf("Error:    %s\n", exec.ErrorText)
		}

		fmt.Println("\nProgress:")
		for _, p := range exec.Progress {
			ts := p.StartedAt
			if p.CompletedAt != nil {
				ts = *p.CompletedAt
			}
			fmt.Printf("[%s] %s %s (%s)\n", ts.Format("15:04:05"), progressGlyph(p.Status), p.Step, p.Status)
			if p.Detail != "" {
				fmt.Printf("    Detail: %s\n", p.Detail)
			}
		}

		if len(exec.Counters) > 0 {
			fmt.Println("\nCounters:")
			for name, v := range exec.Counters {
				fmt.Printf("  %s = %d\n", name, v)
			}
		}
		if len(exec.CustomState) > 0 {
			fmt.Println("\nCustom state:")
			for key, v := range exec.CustomState {
				fmt.Printf("  %s = %s\n", key, v)
			}
		}

		if exec.State == storage.ExecutionCompleted {
			fmt.Printf("\nResult: %s\n", exec.Result)
		}
		return nil
	},
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a non-terminal execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Cancel(cmd.Context(), args[0]); err != nil {
			output.Error("cancel %s failed: %v", args[0], err)
			return err
		}
		output.Info("execution %s cancelled", args[0])
		return nil
	},
}

// progressGlyph reproduces the original CLI's +/x/> status markers.
func progressGlyph(status storage.ProgressStatus) string {
	switch status {
	case storage.ProgressCompleted:
		return "+"
	case storage.ProgressFailed:
		return "x"
	default:
		return ">"
	}
}

func init() {
	execListCmd.Flags().IntVar(&execListLimit, "limit", 20, "maximum executions to return")
	execListCmd.Flags().StringVar(&execListState, "state", "", "filter by state (pending/running/completed/failed/timed_out)")

	execCmd.AddCommand(execListCmd)
	execCmd.AddCommand(execShowCmd)
	execCmd.AddCommand(execCancelCmd)
}
