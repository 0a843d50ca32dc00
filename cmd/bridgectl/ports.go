package main

import (
	"fmt"

	"github.com/danmuck/tftbridge/internal/serial"
	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and the one auto-detect would pick",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return nil
		}
		names := make([]string, 0, len(ports))
		for _, p := range ports {
			names = append(names, p.Name)
			if p.IsUSB {
				fmt.Printf("%-20s usb %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
			} else {
				fmt.Printf("%-20s\n", p.Name)
			}
		}
		if picked, err := serial.PickDevice(names); err == nil {
			fmt.Printf("\nauto-detect: %s\n", picked)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
