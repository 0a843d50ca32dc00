package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/tftbridge/internal/bridge"
	"github.com/danmuck/tftbridge/internal/version"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	Long: `Opens the touchscreen serial device and the Moonraker API, then answers every
command the screen sends. Either link may drop and recover without restarting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, _, err := loadBridgeConfig(path)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, &cfg); err != nil {
			return err
		}
		return runBridge(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringP("device", "d", "", "serial device of the touchscreen")
	f.IntP("baud", "b", 0, "serial baud rate")
	f.Bool("auto-detect", false, "pick the first /dev/ttyUSB* or /dev/ttyACM* device")
	f.String("host", "", "Moonraker host")
	f.IntP("port", "p", 0, "Moonraker port")
	f.String("api-key", "", "Moonraker API key")
	f.Bool("simulate", false, "log backend calls instead of sending them")
	f.String("admin", "", "admin HTTP listen address, e.g. 127.0.0.1:7130")
}

// applyRunFlags overrides file values with flags the user set.
func applyRunFlags(cmd *cobra.Command, cfg *bridge.Config) error {
	f := cmd.Flags()
	if f.Changed("device") {
		cfg.Serial.Device, _ = f.GetString("device")
	}
	if f.Changed("baud") {
		cfg.Serial.Baud, _ = f.GetInt("baud")
	}
	if f.Changed("auto-detect") {
		cfg.Serial.AutoDetect, _ = f.GetBool("auto-detect")
	}
	if f.Changed("admin") {
		cfg.Admin.Listen, _ = f.GetString("admin")
	}
	if err := cfg.Serial.WithDefaults().Validate(); err != nil {
		return err
	}
	return applyBackendFlags(cmd, cfg)
}

// applyBackendFlags overrides the backend section only.
func applyBackendFlags(cmd *cobra.Command, cfg *bridge.Config) error {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Backend.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Backend.Port, _ = f.GetInt("port")
	}
	if f.Changed("api-key") {
		cfg.Backend.APIKey, _ = f.GetString("api-key")
	}
	if f.Changed("simulate") {
		cfg.Backend.Simulate, _ = f.GetBool("simulate")
	}
	return cfg.Backend.WithDefaults().Validate()
}

func runBridge(cfg bridge.Config) error {
	b, err := bridge.New(cfg)
	if err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msgf("bridgectl.run %s v%s", version.Name, version.Version)
	if err := b.Run(ctx); err != nil {
		return err
	}
	fmt.Println(b.Summary())
	return nil
}
