package main

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/devicefactory"
)

func resetScanFlags() {
	scanAll = false
	scanDuration = 10 * time.Second
	scanFormat = "table"
	// Running "scan --help" leaves cobra's auto-added help flag set on the
	// shared scanCmd, which would short-circuit Execute in later tests.
	if f := scanCmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
}

type fakeAdvertisement struct {
	name    string
	address string
	rssi    int
}

func (a *fakeAdvertisement) LocalName() string        { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte { return nil }
func (a *fakeAdvertisement) Services() []string       { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int        { return 127 }
func (a *fakeAdvertisement) Connectable() bool        { return true }
func (a *fakeAdvertisement) RSSI() int                { return a.rssi }
func (a *fakeAdvertisement) Addr() string             { return a.address }

type fakeScanningDevice struct {
	advertisements []device.Advertisement
}

func (f *fakeScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	for _, adv := range f.advertisements {
		handler(adv)
	}
	return context.Canceled
}

func (f *fakeScanningDevice) Stop() error { return nil }

func TestScanForDevicesReportsDiscoveries(t *testing.T) {
	orig := devicefactory.DeviceFactory
	devicefactory.DeviceFactory = func() (device.ScanningDevice, error) {
		return &fakeScanningDevice{advertisements: []device.Advertisement{
			&fakeAdvertisement{name: "Nx Tracker 2", address: "AA:BB:CC:DD:EE:01", rssi: -40},
			&fakeAdvertisement{name: "Other", address: "AA:BB:CC:DD:EE:02", rssi: -70},
			&fakeAdvertisement{name: "Nx Tracker 2", address: "AA:BB:CC:DD:EE:01", rssi: -45},
		}}, nil
	}
	t.Cleanup(func() { devicefactory.DeviceFactory = orig })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	var seen []string
	devices, err := scanForDevices(logger, 50*time.Millisecond, "", func(d device.DeviceInfo) {
		seen = append(seen, d.Address())
	})
	require.NoError(t, err)
	require.Len(t, devices, 2)

	// Each device is reported once; the repeat advertisement is an update.
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}, seen)
}

func TestScanCmd_Help(t *testing.T) {
	resetScanFlags()
	t.Cleanup(resetScanFlags)

	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)

	output, err := executeCommand(cmd, "scan", "--help")
	require.NoError(t, err)

	assert.Contains(t, output, "Scan for Nx Tracker 2 devices")
	assert.Contains(t, output, "--duration")
	assert.Contains(t, output, "--all")
	assert.Contains(t, output, "--format")
}

func TestScanCmd_InvalidFormat(t *testing.T) {
	resetScanFlags()
	t.Cleanup(resetScanFlags)

	cmd := &cobra.Command{}
	cmd.PersistentFlags().String("log-level", "", "")
	cmd.AddCommand(scanCmd)

	_, err := executeCommand(cmd, "scan", "--format=xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format 'xml'")
}

func TestScanCmd_FlagDefaults(t *testing.T) {
	resetScanFlags()
	t.Cleanup(resetScanFlags)

	duration, err := scanCmd.Flags().GetDuration("duration")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, duration)

	all, err := scanCmd.Flags().GetBool("all")
	require.NoError(t, err)
	assert.False(t, all)

	format, err := scanCmd.Flags().GetString("format")
	require.NoError(t, err)
	assert.Equal(t, "table", format)
}
