package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var cleanupWindow time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete readings and resolved alerts older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cleanup(cmd.Context(), cleanupWindow)
	},
}

var calibrateDevice string

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Read and record the baseline resistance Ro reported by a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		if calibrateDevice == "" {
			return errors.New("--device is required")
		}
		return getApp().Calibrate(cmd.Context(), calibrateDevice)
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupWindow, "window", 0, "Override retention.window")
	calibrateCmd.Flags().StringVar(&calibrateDevice, "device", "", "Configured device id")
}
