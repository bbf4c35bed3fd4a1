package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spoilwatch/internal/app"
)

var (
	reportDevice string
	reportWindow time.Duration
	reportTo     string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise a device's readings over a window",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReportOptions{DeviceID: reportDevice, Window: reportWindow}
		if reportTo != "" {
			to, err := time.Parse(time.RFC3339, reportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}
		return getApp().Report(cmd.Context(), opts)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDevice, "device", "", "Device id")
	reportCmd.Flags().DurationVar(&reportWindow, "window", 24*time.Hour, "Length of the trailing window")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "End of the window (RFC3339, defaults to now)")
}
