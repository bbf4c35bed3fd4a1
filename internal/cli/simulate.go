package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var (
	simulateDevice  string
	simulateRatios  []float64
	simulateSpacing time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Replay a ratio sequence through classification and alerting",
	Example: "  spoilwatch simulate-alert --ratios 0.9,0.4,0.4,0.4,0.9 --spacing 2m",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateRatios) == 0 {
			return errors.New("--ratios is required")
		}
		if simulateSpacing < 0 {
			return errors.New("--spacing cannot be negative")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateDevice, simulateRatios, simulateSpacing)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateDevice, "device", "simulated", "Device id used for the simulation")
	simulateCmd.Flags().Float64SliceVar(&simulateRatios, "ratios", nil, "Comma separated Rs/Ro ratios")
	simulateCmd.Flags().DurationVar(&simulateSpacing, "spacing", time.Minute, "Simulated time between readings")
}
