package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/tracker"
	"github.com/srg/nxosc/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for trackers",
	Long: `Scan for Nx Tracker 2 devices in the vicinity.

By default only devices advertising the tracker's name are listed;
use --all to see every BLE device the adapter picks up.`,
	RunE: runScan,
}

var (
	scanAll      bool
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "List all BLE devices, not just trackers")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "", logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	nameFilter := tracker.DeviceName
	if scanAll {
		nameFilter = ""
	}
	devices, err := scanForDevices(logger, scanDuration, nameFilter, printDiscovery)
	if err != nil {
		return err
	}

	sorted := scanner.SortedByAddress(devices)
	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sorted)
	}
	return displayDeviceTable(sorted)
}

// scanForDevices runs one scan with Ctrl+C cancellation and a countdown line.
// A non-empty nameFilter keeps only devices advertising exactly that name.
// Each newly discovered device is reported through onNew as it is found;
// a nil onNew skips the live reporting.
func scanForDevices(logger *logrus.Logger, duration time.Duration, nameFilter string, onNew func(device.DeviceInfo)) (map[string]device.DeviceInfo, error) {
	s, err := scanner.NewScanner(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = duration
	opts.NameFilter = nameFilter

	// Scan closes the event channel on return, which ends this drain.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range s.Events() {
			if ev.Type == scanner.EventNew && onNew != nil {
				onNew(ev.DeviceInfo)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := newProgressPrinter("Scanning for trackers", duration)
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.SetPhase)
	progress.Stop()
	<-drained
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// printDiscovery writes one line per newly discovered device, clearing the
// countdown line first so the two do not interleave.
func printDiscovery(dev device.DeviceInfo) {
	name := dev.Name()
	if name == "" {
		name = "(unnamed)"
	}
	if name == tracker.DeviceName {
		name = color.GreenString(name)
	}
	fmt.Printf("\r\033[K%s  %s  %d dBm\n", name, dev.Address(), dev.RSSI())
}

func displayDeviceTable(devices []device.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 50))

	for _, dev := range devices {
		name := dev.Name()
		if name == "" {
			name = "(unnamed)"
		}
		if name == tracker.DeviceName {
			name = color.GreenString(name)
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", name, dev.Address(), dev.RSSI())
	}

	return w.Flush()
}
