package tracker

import (
	"fmt"
	"time"

	"github.com/srg/nxosc/internal/device"
)

// WriteReset issues the two-step reset sequence on an established connection.
// The peripheral recenters its orientation reference and silently ends any
// stream that was running.
func WriteReset(conn device.Connection) error {
	if err := conn.Write(ControlUUID, resetPayloadA, true); err != nil {
		return fmt.Errorf("reset sequence step A failed: %w", err)
	}
	if err := conn.Write(ControlUUID, resetPayloadB, true); err != nil {
		return fmt.Errorf("reset sequence step B failed: %w", err)
	}
	return nil
}

// ReadBatteryLevel performs one blocking read of the battery characteristic.
// Returns device.ErrUnsupported on firmware variants without it.
func ReadBatteryLevel(conn device.Connection, timeout time.Duration) (int, error) {
	if !conn.HasCharacteristic(BatteryUUID) {
		return 0, device.ErrUnsupported
	}
	data, err := conn.Read(BatteryUUID, timeout)
	if err != nil {
		return 0, fmt.Errorf("battery read failed: %w", err)
	}
	return DecodeBattery(data)
}
