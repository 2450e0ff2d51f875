package main

import (
	"errors"
	"fmt"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/scanner"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the tracker link dropped mid-stream.
	// Distinct from device.ErrNotConnected, which means an operation was
	// attempted on a device that was never connected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns internal errors into actionable one-line messages.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, scanner.ErrDeviceNotFound):
		return fmt.Sprintf("%v\nMake sure the tracker is powered on and in range, or increase the scan duration.", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v\nThe tracker did not respond in time; try moving it closer.", err)
	case errors.Is(err, device.ErrNotConnected):
		return fmt.Sprintf("%v\nThe connection was lost before the operation completed.", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%v\nThis tracker firmware variant does not expose that capability.", err)
	default:
		var connErr *device.ConnectionError
		if errors.As(err, &connErr) {
			return fmt.Sprintf("%v\nCheck that Bluetooth is enabled and the tracker is not paired elsewhere.", err)
		}
		return err.Error()
	}
}
