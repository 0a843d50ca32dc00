package main

import (
	"fmt"

	"github.com/danmuck/tftbridge/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "bridge.toml"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check a config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default config template",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := targetPath(cmd, args)
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteTemplate(path, force); err != nil {
			return err
		}
		fmt.Printf("Wrote config template to %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Strictly check a config file, rejecting unknown keys",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := targetPath(cmd, args)
		if _, err := config.LoadStrict(path); err != nil {
			return err
		}
		fmt.Printf("Validated config at %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
}

// targetPath prefers the positional argument, then --config, then the default.
func targetPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return defaultConfigPath
}
