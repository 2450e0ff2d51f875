package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/tracker"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Recenter the tracker's orientation reference",
	Long: `Issue the tracker's reset sequence.

The tracker recenters its orientation reference to the current physical
pose. Any stream that was running goes quiet afterwards; restart it with
the stream command.`,
	RunE: runReset,
}

var (
	resetAddress string
	resetName    string
)

func init() {
	resetCmd.Flags().StringVarP(&resetAddress, "address", "a", "", "Tracker address (skips scanning)")
	resetCmd.Flags().StringVarP(&resetName, "name", "n", "", "Advertised tracker name to scan for")
}

func runReset(cmd *cobra.Command, args []string) error {
	return withTrackerConnection(cmd, resetAddress, resetName, func(conn device.Connection, logger *logrus.Logger) error {
		if err := tracker.WriteReset(conn); err != nil {
			return err
		}
		fmt.Println("Reset issued, tracker recentered")
		return nil
	})
}
