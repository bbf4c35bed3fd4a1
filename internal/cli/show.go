package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spoilwatch/internal/app"
)

var (
	showDevice  string
	showLimit   int
	showLatest  bool
	showAlerts  bool
	showDevices bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent readings, alerts or registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			DeviceID: showDevice,
			Limit:    showLimit,
			Latest:   showLatest,
			Alerts:   showAlerts,
			Devices:  showDevices,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showDevice, "device", "", "Device id")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showLatest, "latest", false, "Show only the newest reading, from cache when available")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "List alerts instead of readings (all devices when --device is empty)")
	showCmd.Flags().BoolVar(&showDevices, "devices", false, "List registered devices with last_seen and calibration")
}
