package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/macros"
	"github.com/danmuck/tftbridge/internal/ratelimit"
	"github.com/spf13/cobra"
)

var macrosCmd = &cobra.Command{
	Use:   "macros",
	Short: "List the Klipper macros the bridge can call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, _, err := loadBridgeConfig(path)
		if err != nil {
			return err
		}
		if err := applyBackendFlags(cmd, &cfg); err != nil {
			return err
		}
		return listMacros(cmd.Context(), cfg.Backend)
	},
}

func init() {
	rootCmd.AddCommand(macrosCmd)
	f := macrosCmd.Flags()
	f.String("host", "", "Moonraker host")
	f.IntP("port", "p", 0, "Moonraker port")
	f.String("api-key", "", "Moonraker API key")
	f.Bool("simulate", false, "list the simulated macro set")
}

func listMacros(ctx context.Context, cfg backend.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := backend.New(cfg, ratelimit.New(ratelimit.DefaultConfig()))
	if err != nil {
		return err
	}
	defer client.Close()

	registry := macros.NewRegistry()
	if err := registry.Refresh(ctx, client); err != nil {
		return fmt.Errorf("%s: %w", client.BaseURL(), err)
	}
	snap := registry.Snapshot()
	fmt.Printf("%d macros at %s\n", snap.Len(), client.BaseURL())
	for _, cat := range macros.Categorize(snap) {
		fmt.Printf("\n%s\n%s\n", cat.Name, strings.Repeat("-", len(cat.Name)))
		for _, name := range cat.Macros {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}
