package goble

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/nxosc/internal/device"
)

// BLEDevice implements the Device interface for BLE devices
type BLEDevice struct {
	id                 string
	name               string
	address            string
	rssi               int
	txPower            *int
	connectable        bool
	lastSeen           time.Time
	advertisedServices []string
	manufData          []byte
	connection         *BLEConnection
	logger             *logrus.Logger
	mu                 sync.RWMutex
}

// NewBLEDeviceWithAddress creates a BLEDevice with a pre-created connection instance
func NewBLEDeviceWithAddress(address string, logger *logrus.Logger) *BLEDevice {
	if logger == nil {
		logger = logrus.New()
	}

	return &BLEDevice{
		id:                 address,
		address:            address,
		advertisedServices: make([]string, 0),
		lastSeen:           time.Now(),
		connection:         NewBLEConnection(logger),
		logger:             logger,
	}
}

// NewBLEDeviceFromAdvertisement creates a BLEDevice from a BLE advertisement
func NewBLEDeviceFromAdvertisement(adv device.Advertisement, logger *logrus.Logger) *BLEDevice {
	dev := NewBLEDeviceWithAddress(adv.Addr(), logger)

	dev.name = adv.LocalName()
	dev.rssi = adv.RSSI()
	dev.connectable = adv.Connectable()
	dev.manufData = adv.ManufacturerData()
	dev.advertisedServices = append(dev.advertisedServices, adv.Services()...)

	if adv.TxPowerLevel() != 127 { // 127 means TX power not available
		txPower := adv.TxPowerLevel()
		dev.txPower = &txPower
	}

	return dev
}

// DeviceInfo interface implementation

func (d *BLEDevice) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

func (d *BLEDevice) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *BLEDevice) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

func (d *BLEDevice) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *BLEDevice) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

func (d *BLEDevice) IsConnectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

func (d *BLEDevice) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advertisedServices
}

func (d *BLEDevice) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufData
}

// DisplayName returns the advertised name, falling back to the address
func (d *BLEDevice) DisplayName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name != "" {
		return d.name
	}
	return d.address
}

// LastSeen returns the time of the most recent advertisement
func (d *BLEDevice) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Update refreshes device information from a new advertisement
func (d *BLEDevice) Update(adv device.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.lastSeen = time.Now()

	// Update name if it wasn't available before or changed
	if name := adv.LocalName(); name != "" {
		d.name = name
	}

	if manufData := adv.ManufacturerData(); len(manufData) > 0 {
		d.manufData = manufData
	}

	// Merge advertised services
	for _, svc := range adv.Services() {
		if !d.hasServiceUUID(svc) {
			d.advertisedServices = append(d.advertisedServices, svc)
		}
	}

	if adv.TxPowerLevel() != 127 {
		txPower := adv.TxPowerLevel()
		d.txPower = &txPower
	}
}

// hasServiceUUID checks if the advertised service list already contains the UUID.
// Caller must hold d.mu.
func (d *BLEDevice) hasServiceUUID(uuid string) bool {
	normalized := device.NormalizeUUID(uuid)
	for _, s := range d.advertisedServices {
		if device.NormalizeUUID(s) == normalized {
			return true
		}
	}
	return false
}

// deviceInfoJSON is the serialization shape for scan output.
type deviceInfoJSON struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name,omitempty"`
	Address            string    `json:"address"`
	RSSI               int       `json:"rssi"`
	TxPower            *int      `json:"tx_power,omitempty"`
	Connectable        bool      `json:"connectable"`
	LastSeen           time.Time `json:"last_seen"`
	AdvertisedServices []string  `json:"advertised_services,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (d *BLEDevice) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(deviceInfoJSON{
		ID:                 d.id,
		Name:               d.name,
		Address:            d.address,
		RSSI:               d.rssi,
		TxPower:            d.txPower,
		Connectable:        d.connectable,
		LastSeen:           d.lastSeen,
		AdvertisedServices: d.advertisedServices,
	})
}

// Connect establishes a BLE connection via the pre-created connection instance
func (d *BLEDevice) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	d.mu.RLock()
	conn := d.connection
	address := d.address
	d.mu.RUnlock()

	return conn.Connect(ctx, address, opts)
}

// Disconnect closes the connection
func (d *BLEDevice) Disconnect() error {
	return d.connection.Disconnect()
}

// IsConnected returns connection status
func (d *BLEDevice) IsConnected() bool {
	return d.connection.IsConnected()
}

// GetConnection returns the BLE connection interface
func (d *BLEDevice) GetConnection() device.Connection {
	return d.connection
}
