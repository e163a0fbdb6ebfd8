package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/senpuki/senpuki/pkg/cli/output"
	"github.com/senpuki/senpuki/pkg/storage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize execution counts by state and the dead-letter backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		states := []storage.ExecutionState{
			storage.ExecutionPending, storage.ExecutionRunning,
			storage.ExecutionCompleted, storage.ExecutionFailed,
			storage.ExecutionTimedOut, storage.ExecutionCancelled,
		}

		counts := map[storage.ExecutionState]int64{}
		for _, state := range states {
			n, err := s.CountExecutions(cmd.Context(), storage.ListOptions{State: state})
			if err != nil {
				output.Error("count %s failed: %v", state, err)
				return err
			}
			counts[state] = n
		}

		deadLetters, err := s.CountDeadLetters(cmd.Context())
		if err != nil {
			output.Error("count dead letters failed: %v", err)
			return err
		}

		if jsonOutput {
			return output.PrintJSON(map[string]any{
				"executions_by_state": counts,
				"dead_letters":        deadLetters,
			})
		}

		table := output.NewTable([]string{"STATE", "COUNT"})
		for _, state := range states {
			table.AddRow([]string{string(state), strconv.FormatInt(counts[state], 10)})
		}
		table.AddRow([]string{"dead_letters", strconv.FormatInt(deadLetters, 10)})
		table.Render()
		return nil
	},
}
