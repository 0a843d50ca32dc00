package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/tftbridge/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Bridge a TFT touchscreen to a Klipper/Moonraker printer",
	Long: `bridgectl speaks the Marlin-style serial protocol a TFT touchscreen expects and
forwards each command to Moonraker, answering the screen with the replies it understands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyLogFlags(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the bridge TOML config")
	rootCmd.PersistentFlags().String("log-level", "", "trace|debug|info|warn|error|off (overrides env)")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON log lines to this file")
}

// applyLogFlags layers file, env, then flag settings over the runtime profile.
func applyLogFlags(cmd *cobra.Command) error {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)

	fileLevel, fileLog := "", ""
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		if lc, err := loadLogSettings(path); err == nil {
			fileLevel, fileLog = lc.level, lc.file
		}
	}
	if lvl, ok := logging.ParseLevel(fileLevel); ok {
		cfg.Level = lvl
	}
	logging.ApplyEnvOverrides(&cfg)

	if raw, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(raw) != "" {
		lvl, ok := logging.ParseLevel(raw)
		if !ok {
			return fmt.Errorf("unknown log level %q", raw)
		}
		cfg.Level = lvl
	}
	path := fileLog
	if raw, _ := cmd.Flags().GetString("log-file"); strings.TrimSpace(raw) != "" {
		path = strings.TrimSpace(raw)
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cfg.File = f
	}
	logging.Apply(cfg)
	log.Debug().Msgf("bridgectl level=%s log_file=%q", cfg.Level, path)
	return nil
}
