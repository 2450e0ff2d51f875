package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/nxosc/internal/config"
	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/devicefactory"
	"github.com/srg/nxosc/scanner"
)

// locateTracker resolves the configured device to a connectable instance,
// scanning for the advertised name unless an address is pinned.
func locateTracker(cfg *config.Config, logger *logrus.Logger) (device.Device, error) {
	if cfg.Device.Address != "" {
		return devicefactory.NewDevice(cfg.Device.Address, logger), nil
	}

	devices, err := scanForDevices(logger, cfg.Stream.ScanDuration.Std(), "", nil)
	if err != nil {
		return nil, err
	}

	info, err := scanner.FindByName(scanner.SortedByAddress(devices), cfg.Device.Name)
	if err != nil {
		if !errors.Is(err, scanner.ErrMultipleDevicesFound) {
			return nil, err
		}
		// Several trackers in range: proceed with the first, but say so.
		logger.WithField("address", info.Address()).Warn("Multiple trackers found, using the first match")
		fmt.Fprintf(os.Stderr, "Multiple trackers found, using %s\n", info.Address())
	}
	return devicefactory.NewDevice(info.Address(), logger), nil
}

// deviceConfig builds the effective config for one-shot commands from the
// --config file plus address/name flag overrides.
func deviceConfig(cmd *cobra.Command, address, name string) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if address != "" {
		cfg.Device.Address = address
	}
	if name != "" {
		cfg.Device.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withTrackerConnection locates the tracker, connects, runs fn, and always
// disconnects afterwards.
func withTrackerConnection(cmd *cobra.Command, address, name string, fn func(conn device.Connection, logger *logrus.Logger) error) error {
	cfg, err := deviceConfig(cmd, address, name)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.LogLevel, logrus.PanicLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	dev, err := locateTracker(cfg, logger)
	if err != nil {
		return err
	}

	if err := dev.Connect(cmd.Context(), &device.ConnectOptions{
		ConnectTimeout: cfg.Stream.ConnectTimeout.Std(),
	}); err != nil {
		return fmt.Errorf("failed to connect to tracker: %w", err)
	}
	defer func() {
		if err := dev.Disconnect(); err != nil {
			logger.WithError(err).Warn("Disconnect failed")
		}
	}()

	return fn(dev.GetConnection(), logger)
}
