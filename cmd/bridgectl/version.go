package main

import (
	"fmt"

	"github.com/danmuck/tftbridge/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetBool("history")
		release, _ := cmd.Flags().GetString("release")
		switch {
		case release != "":
			r, ok := version.Lookup(release)
			if !ok {
				return fmt.Errorf("unknown release %q", release)
			}
			printRelease(r)
		case history:
			for _, r := range version.History() {
				printRelease(r)
			}
		default:
			fmt.Println(version.Get())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("history", false, "show the release history")
	versionCmd.Flags().String("release", "", "show one release, e.g. 2.3.0")
}

func printRelease(r version.Release) {
	fmt.Printf("v%s (%s)\n", r.Version, r.Date)
	for _, f := range r.Features {
		fmt.Printf("  + %s\n", f)
	}
	for _, b := range r.BreakingChanges {
		fmt.Printf("  ! %s\n", b)
	}
	fmt.Println()
}
