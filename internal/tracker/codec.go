package tracker

import (
	"encoding/binary"
	"fmt"
)

const (
	// OrientationPacketSize is the exact size of an orientation notification:
	// five little-endian signed 16-bit integers.
	OrientationPacketSize = 10

	// BatteryPacketSize is the exact size of a battery level value.
	BatteryPacketSize = 1

	// orientationScale converts the fixed-point quaternion components to
	// floats. Protocol constant, not configurable.
	orientationScale = 1 << 14
)

// Quaternion is a decoded orientation sample. Components are in wire order as
// emitted by the device; whether they need reordering or sign flips to match a
// standard convention is unverified, so the codec never rearranges them. Any
// correction belongs in a downstream consumer.
type Quaternion struct {
	W float64
	X float64
	Y float64
	Z float64
}

// MalformedPacketError reports a notification payload of the wrong length.
type MalformedPacketError struct {
	Expected int
	Got      int
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed packet: expected %d bytes, got %d", e.Expected, e.Got)
}

// DecodeOrientation decodes a 10-byte orientation packet into a Quaternion.
// The fifth int16 field carries a constant of unknown meaning; it is consumed
// to cover the full packet but not exposed, since firmware variants may
// repurpose it. Pure and deterministic; valid-length input never fails.
func DecodeOrientation(data []byte) (Quaternion, error) {
	if len(data) != OrientationPacketSize {
		return Quaternion{}, &MalformedPacketError{Expected: OrientationPacketSize, Got: len(data)}
	}

	var raw [5]int16
	for i := range raw {
		raw[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	_ = raw[4] // unidentified constant field

	return Quaternion{
		W: float64(raw[0]) / orientationScale,
		X: float64(raw[1]) / orientationScale,
		Y: float64(raw[2]) / orientationScale,
		Z: float64(raw[3]) / orientationScale,
	}, nil
}

// DecodeBattery decodes a 1-byte battery level as an unsigned integer 0-255.
// Values are conventionally a 0-100 percentage; range validation is a
// consumer concern.
func DecodeBattery(data []byte) (int, error) {
	if len(data) != BatteryPacketSize {
		return 0, &MalformedPacketError{Expected: BatteryPacketSize, Got: len(data)}
	}
	return int(data[0]), nil
}
