package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/groutine"
)

const (
	// DefaultConnectTimeout bounds dialing plus profile discovery.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultReadTimeout is the default timeout for characteristic read operations.
	// This prevents indefinite blocking if a device becomes unresponsive during a read.
	DefaultReadTimeout = 5 * time.Second
)

// BLEConnection represents a live BLE connection (notifications, reads, writes).
// It implements device.Connection on top of go-ble.
type BLEConnection struct {
	client      ble.Client
	logger      *logrus.Logger
	writeMutex  sync.Mutex
	connMutex   sync.RWMutex
	isConnected bool

	// normalized characteristic UUID -> live handle, populated during discovery
	chars map[string]*ble.Characteristic

	// normalized characteristic UUID -> subscription active
	subscribed map[string]bool

	disconnected chan struct{}
	discOnce     *sync.Once
}

// NewBLEConnection creates an unconnected BLEConnection
func NewBLEConnection(logger *logrus.Logger) *BLEConnection {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEConnection{
		chars:      make(map[string]*ble.Characteristic),
		subscribed: make(map[string]bool),
		logger:     logger,
	}
}

// Connect dials the peripheral, discovers its GATT profile, and indexes
// characteristics for UUID lookup. Safe to call again after Disconnect.
func (c *BLEConnection) Connect(ctx context.Context, address string, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	if c.isConnectedInternal() {
		c.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	timeout := DefaultConnectTimeout
	if opts != nil && opts.ConnectTimeout > 0 {
		timeout = opts.ConnectTimeout
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	c.chars = make(map[string]*ble.Characteristic)
	c.subscribed = make(map[string]bool)
	for _, bleSvc := range bleProfile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		c.logger.WithField("service_uuid", svcUUID).Debug("Found service UUID")
		for _, bleChar := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleChar.UUID.String())
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    charUUID,
			}).Debug("Found characteristic UUID")
			c.chars[charUUID] = bleChar
		}
	}

	c.client = client
	c.isConnected = true
	c.disconnected = make(chan struct{})
	c.discOnce = &sync.Once{}

	c.watchLink(client, c.disconnected, c.discOnce)

	c.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(c.chars),
	}).Info("BLE device connected successfully")
	return nil
}

// watchLink closes disconnected when the transport reports the link dropped.
// Not every go-ble backend exposes the Disconnected() channel, so probe for it.
func (c *BLEConnection) watchLink(client ble.Client, disconnected chan struct{}, once *sync.Once) {
	notifier, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not expose a Disconnected() channel, link loss will not be detected")
		return
	}

	groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
		select {
		case <-notifier.Disconnected():
			c.logger.Warn("Transport reported disconnection")
			once.Do(func() { close(disconnected) })
		case <-disconnected:
			// Local disconnect already signalled, exit monitor
		}
	})
}

// Disconnect closes the connection. Best-effort: unsubscribes from any active
// notifications first, then cancels the link. Safe to call when already
// disconnected.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.client == nil || !c.isConnected {
		c.connMutex.Unlock()
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	c.logger.Info("Disconnecting BLE device...")

	// Grab state and release the lock before network calls
	client := c.client
	subscribed := make([]string, 0, len(c.subscribed))
	for uuid, active := range c.subscribed {
		if active {
			subscribed = append(subscribed, uuid)
		}
	}
	chars := c.chars
	disconnected := c.disconnected
	once := c.discOnce

	c.client = nil
	c.isConnected = false
	c.subscribed = make(map[string]bool)
	c.connMutex.Unlock()

	var unsubscribeErrors []string
	for _, uuid := range subscribed {
		if char, ok := chars[uuid]; ok {
			if err := tryUnsubscribe(client, char); err != nil {
				unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s: %v", uuid, err))
			}
		}
	}
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	if once != nil && disconnected != nil {
		once.Do(func() { close(disconnected) })
	}

	disconnectErr := client.CancelConnection()
	if disconnectErr != nil {
		c.logger.WithField("error", disconnectErr).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected successfully")
	}
	return disconnectErr
}

// tryUnsubscribe attempts to unsubscribe using both notify and indicate modes.
// Returns an error only if both modes fail.
func tryUnsubscribe(client ble.Client, char *ble.Characteristic) error {
	err1 := device.NormalizeError(client.Unsubscribe(char, false)) // notify
	err2 := device.NormalizeError(client.Unsubscribe(char, true))  // indicate
	if err1 != nil && err2 != nil {
		return fmt.Errorf("notify=%v, indicate=%v", err1, err2)
	}
	return nil
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called when the caller already holds connMutex.RLock() or connMutex.Lock().
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}

// Disconnected returns a channel closed when the link drops. Returns a closed
// channel when the connection was never established.
func (c *BLEConnection) Disconnected() <-chan struct{} {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	if c.disconnected == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.disconnected
}

// HasCharacteristic reports whether the discovered profile exposes the characteristic
func (c *BLEConnection) HasCharacteristic(uuid string) bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	_, ok := c.chars[device.NormalizeUUID(uuid)]
	return ok
}

// lookup resolves a characteristic handle under the read lock
func (c *BLEConnection) lookup(uuid string) (ble.Client, *ble.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	if !c.isConnectedInternal() {
		return nil, nil, device.ErrNotConnected
	}
	char, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, nil, &device.NotFoundError{UUID: uuid}
	}
	return c.client, char, nil
}

// Read performs a blocking characteristic read bounded by timeout
func (c *BLEConnection) Read(uuid string, timeout time.Duration) ([]byte, error) {
	client, char, err := c.lookup(uuid)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	groutine.Go(context.Background(), "ble-char-read", func(context.Context) {
		data, readErr := client.ReadCharacteristic(char)
		resultCh <- readResult{data: data, err: device.NormalizeError(readErr)}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", device.ShortenUUID(uuid), res.err)
		}
		return res.data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("read of characteristic %s: %w", device.ShortenUUID(uuid), device.ErrTimeout)
	}
}

// Write writes data to a characteristic. Writes are serialized; concurrent
// writers would otherwise interleave at the ATT layer.
func (c *BLEConnection) Write(uuid string, data []byte, withResponse bool) error {
	client, char, err := c.lookup(uuid)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"char_uuid": device.ShortenUUID(uuid),
		"bytes":     len(data),
	}).Debug("Writing characteristic")

	if err := device.NormalizeError(client.WriteCharacteristic(char, data, !withResponse)); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", device.ShortenUUID(uuid), err)
	}
	return nil
}

// Subscribe registers handler for notifications on the characteristic.
// A second subscribe on the same characteristic replaces the previous handler
// at the transport level.
func (c *BLEConnection) Subscribe(uuid string, handler func(data []byte)) error {
	client, char, err := c.lookup(uuid)
	if err != nil {
		return err
	}
	if char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", device.ShortenUUID(uuid), device.ErrUnsupported)
	}

	indicate := char.Property&ble.CharNotify == 0
	if err := device.NormalizeError(client.Subscribe(char, indicate, func(data []byte) {
		handler(data)
	})); err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", device.ShortenUUID(uuid), err)
	}

	c.connMutex.Lock()
	c.subscribed[device.NormalizeUUID(uuid)] = true
	c.connMutex.Unlock()

	c.logger.WithField("char_uuid", device.ShortenUUID(uuid)).Debug("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe stops notifications on the characteristic
func (c *BLEConnection) Unsubscribe(uuid string) error {
	client, char, err := c.lookup(uuid)
	if err != nil {
		return err
	}

	c.connMutex.Lock()
	delete(c.subscribed, device.NormalizeUUID(uuid))
	c.connMutex.Unlock()

	if err := tryUnsubscribe(client, char); err != nil {
		return fmt.Errorf("failed to unsubscribe from characteristic %s: %w", device.ShortenUUID(uuid), err)
	}
	c.logger.WithField("char_uuid", device.ShortenUUID(uuid)).Debug("Unsubscribed from characteristic notifications")
	return nil
}
