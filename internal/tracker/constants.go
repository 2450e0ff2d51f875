package tracker

// GATT characteristics of the Nx Tracker 2 head tracker. The vendor UUIDs are
// bit-exact protocol constants; the battery level characteristic is the
// Bluetooth SIG assigned one and is only present on some firmware variants.
const (
	// ControlUUID accepts the start/stop/rate control writes and the reset
	// sequence.
	ControlUUID = "0000a011-5761-7665-7341-7564696f4c74"

	// OrientationUUID notifies the 10-byte orientation packets.
	OrientationUUID = "0000a015-5761-7665-7341-7564696f4c74"

	// BatteryUUID is the standard Battery Level characteristic (read + notify).
	BatteryUUID = "00002a19-0000-1000-8000-00805f9b34fb"
)

// DeviceName is the advertised name the tracker is discovered by.
const DeviceName = "Nx Tracker 2"

// MaxSampleRate is the rate byte for the highest observed streaming rate.
const MaxSampleRate byte = 0xff

// stopStream is the control payload that stops streaming.
var stopStreamPayload = []byte{0x00}

// resetPayloadA and resetPayloadB form the two-step reset sequence. Both
// writes are required and ordered; B differs from A only in its final byte and
// acts as the trigger.
var (
	resetPayloadA = []byte{0x32, 0x00, 0x00, 0x00, 0x00}
	resetPayloadB = []byte{0x32, 0x00, 0x00, 0x00, 0x01}
)
