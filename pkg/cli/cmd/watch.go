package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/senpuki/senpuki/pkg/cli/output"
	"github.com/senpuki/senpuki/pkg/storage"
)

var watchPollInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <execution-id>",
	Short: "Follow an execution's progress log until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSenpuki(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		executionID := args[0]
		printed := 0
		for {
			exec, err := s.StateOf(cmd.Context(), executionID)
			if err != nil {
				output.Error("execution %s not found: %v", executionID, err)
				return err
			}

			for ; printed < len(exec.Progress); printed++ {
				p := exec.Progress[printed]
				fmt.Printf("%s %s (%s)\n", progressGlyph(p.Status), p.Step, p.Status)
				if p.Detail != "" {
					fmt.Printf("    Detail: %s\n", p.Detail)
				}
			}

			if exec.State.Terminal() {
				output.Success("execution %s reached %s", executionID, exec.State)
				if exec.State == storage.ExecutionCompleted {
					fmt.Printf("Result: %s\n", exec.Result)
				} else if exec.ErrorText != "" {
					fmt.Printf("Error: %s\n", exec.ErrorText)
				}
				return nil
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(watchPollInterval):
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchPollInterval, "interval", 500*time.Millisecond, "polling interval while the execution is not yet terminal")
}
