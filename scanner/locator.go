package scanner

import (
	"errors"
	"fmt"

	"github.com/srg/nxosc/internal/device"
)

var (
	// ErrDeviceNotFound indicates no scan result advertised the expected name.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrMultipleDevicesFound indicates more than one scan result advertised the
	// expected name. FindByName still returns the first match alongside this
	// error; callers should treat it as a warning, not a failure.
	ErrMultipleDevicesFound = errors.New("multiple devices found")
)

// FindByName selects the scan result whose advertised name exactly equals
// expectedName.
//
// Zero matches returns (nil, ErrDeviceNotFound). Exactly one match returns it.
// Multiple matches return the first match together with an error wrapping
// ErrMultipleDevicesFound; first-match selection is deterministic only with
// respect to the order of results, which the transport does not guarantee -
// sort first (see SortedByAddress) when determinism matters.
func FindByName(results []device.DeviceInfo, expectedName string) (device.DeviceInfo, error) {
	var matches []device.DeviceInfo
	for _, d := range results {
		if d.Name() == expectedName {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no device advertising %q: %w", expectedName, ErrDeviceNotFound)
	case 1:
		return matches[0], nil
	default:
		return matches[0], fmt.Errorf("%d devices advertising %q: %w", len(matches), expectedName, ErrMultipleDevicesFound)
	}
}
