package cmd

import (
	"github.com/spf13/cobra"

	"github.com/senpuki/senpuki/internal/config"
	"github.com/senpuki/senpuki/pkg/cli/output"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect senpukictl's process configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Load configPath, apply defaults and env overrides, and print the effective config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			output.Error("load %s failed: %v", configPath, err)
			return err
		}
		return output.PrintJSON(cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate configPath without printing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := config.Validate(cfg); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("%s is valid", configPath)
		return nil
	},
}

func init() {
	configCmd.PersistentFlags().StringVar(&configPath, "config", "senpuki.yaml", "path to the YAML config file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
