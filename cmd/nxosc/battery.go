package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/tracker"
)

// batteryCmd represents the battery command
var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Read the tracker's battery level",
	RunE:  runBattery,
}

var (
	batteryAddress string
	batteryName    string
)

func init() {
	batteryCmd.Flags().StringVarP(&batteryAddress, "address", "a", "", "Tracker address (skips scanning)")
	batteryCmd.Flags().StringVarP(&batteryName, "name", "n", "", "Advertised tracker name to scan for")
}

func runBattery(cmd *cobra.Command, args []string) error {
	return withTrackerConnection(cmd, batteryAddress, batteryName, func(conn device.Connection, logger *logrus.Logger) error {
		level, err := tracker.ReadBatteryLevel(conn, 0)
		if err != nil {
			return err
		}
		fmt.Printf("Battery: %d%%\n", level)
		return nil
	})
}
