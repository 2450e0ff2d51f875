package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nxosc/internal/device"
)

// fakeConn records transport operations and lets tests inject notifications
// and link drops.
type fakeConn struct {
	mu       sync.Mutex
	ops      []string
	chars    map[string]bool
	handlers map[string]func([]byte)
	reads    map[string][]byte

	failWrite     map[string]error
	failSubscribe map[string]error
	failRead      error

	connected    bool
	disconnected chan struct{}
}

func newFakeConn(withBattery bool) *fakeConn {
	chars := map[string]bool{
		ControlUUID:     true,
		OrientationUUID: true,
	}
	reads := map[string][]byte{}
	if withBattery {
		chars[BatteryUUID] = true
		reads[BatteryUUID] = []byte{87}
	}
	return &fakeConn{
		chars:        chars,
		handlers:     map[string]func([]byte){},
		reads:        reads,
		disconnected: make(chan struct{}),
	}
}

func charLabel(uuid string) string {
	switch uuid {
	case ControlUUID:
		return "control"
	case OrientationUUID:
		return "orientation"
	case BatteryUUID:
		return "battery"
	default:
		return uuid
	}
}

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *fakeConn) opLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ops))
	copy(out, c.ops)
	return out
}

func (c *fakeConn) HasCharacteristic(uuid string) bool {
	return c.chars[uuid]
}

func (c *fakeConn) Read(uuid string, timeout time.Duration) ([]byte, error) {
	c.record("read:" + charLabel(uuid))
	if c.failRead != nil {
		return nil, c.failRead
	}
	data, ok := c.reads[uuid]
	if !ok {
		return nil, &device.NotFoundError{UUID: uuid}
	}
	return data, nil
}

func (c *fakeConn) Write(uuid string, data []byte, withResponse bool) error {
	c.record(fmt.Sprintf("write:%s:%x", charLabel(uuid), data))
	if err := c.failWrite[uuid]; err != nil {
		return err
	}
	return nil
}

func (c *fakeConn) Subscribe(uuid string, handler func(data []byte)) error {
	c.record("subscribe:" + charLabel(uuid))
	if err := c.failSubscribe[uuid]; err != nil {
		return err
	}
	c.mu.Lock()
	c.handlers[uuid] = handler
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Unsubscribe(uuid string) error {
	c.record("unsubscribe:" + charLabel(uuid))
	c.mu.Lock()
	delete(c.handlers, uuid)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// notify simulates a notification arriving on the transport goroutine.
func (c *fakeConn) notify(t *testing.T, uuid string, data []byte) {
	t.Helper()
	c.mu.Lock()
	handler := c.handlers[uuid]
	c.mu.Unlock()
	require.NotNil(t, handler, "no subscription for %s", charLabel(uuid))
	handler(data)
}

// dropLink simulates the peripheral severing the connection.
func (c *fakeConn) dropLink() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	close(c.disconnected)
}

type fakeDevice struct {
	conn *fakeConn
}

func (d *fakeDevice) ID() string                   { return "fake-tracker" }
func (d *fakeDevice) Name() string                 { return DeviceName }
func (d *fakeDevice) Address() string              { return "aa:bb:cc:dd:ee:ff" }
func (d *fakeDevice) RSSI() int                    { return -42 }
func (d *fakeDevice) TxPower() *int                { return nil }
func (d *fakeDevice) IsConnectable() bool          { return true }
func (d *fakeDevice) AdvertisedServices() []string { return nil }
func (d *fakeDevice) ManufacturerData() []byte     { return nil }
func (d *fakeDevice) Update(device.Advertisement)  {}

func (d *fakeDevice) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	d.conn.record("connect")
	d.conn.mu.Lock()
	d.conn.connected = true
	d.conn.mu.Unlock()
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.conn.record("disconnect")
	d.conn.mu.Lock()
	d.conn.connected = false
	d.conn.mu.Unlock()
	return nil
}

func (d *fakeDevice) IsConnected() bool { return d.conn.IsConnected() }
func (d *fakeDevice) GetConnection() device.Connection {
	return d.conn
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestSession(t *testing.T, withBattery bool) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(withBattery)
	session := NewSession(&fakeDevice{conn: conn}, &SessionOptions{Logger: testLogger()})
	t.Cleanup(func() { _ = session.Shutdown() })
	return session, conn
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		panic("unreachable")
	}
}

func TestSessionStart(t *testing.T) {
	t.Run("connects and subscribes in order", func(t *testing.T) {
		session, conn := newTestSession(t, true)

		levels := make(chan int, 1)
		session.OnBattery(func(level int) { levels <- level })

		require.NoError(t, session.Start(MaxSampleRate))
		assert.Equal(t, StateStreaming, session.State())

		assert.Equal(t, []string{
			"connect",
			"write:control:ff",
			"subscribe:orientation",
			"subscribe:battery",
			"read:battery",
		}, conn.opLog())

		// The eager battery read is forwarded before Start returns.
		assert.Equal(t, 87, waitFor(t, levels))
	})

	t.Run("honors requested sample rate", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(0x32))
		assert.Contains(t, conn.opLog(), "write:control:32")
	})

	t.Run("skips battery on variants without the characteristic", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(MaxSampleRate))
		assert.Equal(t, StateStreaming, session.State())
		assert.NotContains(t, conn.opLog(), "subscribe:battery")
		assert.NotContains(t, conn.opLog(), "read:battery")
	})

	t.Run("is a no-op while streaming", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(MaxSampleRate))
		before := len(conn.opLog())
		require.NoError(t, session.Start(MaxSampleRate))
		assert.Len(t, conn.opLog(), before)
	})

	t.Run("failed battery read is not fatal", func(t *testing.T) {
		session, conn := newTestSession(t, true)
		conn.failRead = device.ErrTimeout

		require.NoError(t, session.Start(MaxSampleRate))
		assert.Equal(t, StateStreaming, session.State())
	})
}

func TestSessionStartRollback(t *testing.T) {
	t.Run("control write failure releases the connection", func(t *testing.T) {
		session, conn := newTestSession(t, false)
		conn.failWrite = map[string]error{ControlUUID: assert.AnError}

		err := session.Start(MaxSampleRate)
		require.Error(t, err)
		assert.Equal(t, StateIdle, session.State())
		assert.Equal(t, []string{"connect", "write:control:ff", "disconnect"}, conn.opLog())
	})

	t.Run("orientation subscribe failure releases the connection", func(t *testing.T) {
		session, conn := newTestSession(t, false)
		conn.failSubscribe = map[string]error{OrientationUUID: assert.AnError}

		err := session.Start(MaxSampleRate)
		require.Error(t, err)
		assert.Equal(t, StateIdle, session.State())
		assert.Equal(t, []string{
			"connect",
			"write:control:ff",
			"subscribe:orientation",
			"disconnect",
		}, conn.opLog())
	})

	t.Run("battery subscribe failure rolls back the orientation subscription", func(t *testing.T) {
		session, conn := newTestSession(t, true)
		conn.failSubscribe = map[string]error{BatteryUUID: assert.AnError}

		err := session.Start(MaxSampleRate)
		require.Error(t, err)
		assert.Equal(t, StateIdle, session.State())
		assert.Equal(t, []string{
			"connect",
			"write:control:ff",
			"subscribe:orientation",
			"subscribe:battery",
			"unsubscribe:orientation",
			"disconnect",
		}, conn.opLog())
	})
}

func TestSessionStop(t *testing.T) {
	t.Run("writes stop and tears down", func(t *testing.T) {
		session, conn := newTestSession(t, true)

		require.NoError(t, session.Start(MaxSampleRate))
		require.NoError(t, session.Stop())
		assert.Equal(t, StateIdle, session.State())

		ops := conn.opLog()
		assert.Contains(t, ops, "write:control:00")
		assert.Contains(t, ops, "unsubscribe:orientation")
		assert.Contains(t, ops, "unsubscribe:battery")
		assert.Equal(t, "disconnect", ops[len(ops)-1])
	})

	t.Run("is a no-op while idle", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Stop())
		assert.Empty(t, conn.opLog())
	})

	t.Run("continues past failures and still goes idle", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(MaxSampleRate))
		conn.failWrite = map[string]error{ControlUUID: assert.AnError}

		err := session.Stop()
		require.Error(t, err)
		assert.Equal(t, StateIdle, session.State())

		ops := conn.opLog()
		assert.Contains(t, ops, "unsubscribe:orientation")
		assert.Equal(t, "disconnect", ops[len(ops)-1])
	})
}

func TestSessionReset(t *testing.T) {
	t.Run("issues both steps in order", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(MaxSampleRate))
		before := len(conn.opLog())
		require.NoError(t, session.Reset())

		assert.Equal(t, []string{
			"write:control:3200000000",
			"write:control:3200000001",
		}, conn.opLog()[before:])
		assert.Equal(t, StateStreaming, session.State())
	})

	t.Run("connects transiently while idle", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Reset())
		assert.Equal(t, StateIdle, session.State())
		assert.Equal(t, []string{
			"connect",
			"write:control:3200000000",
			"write:control:3200000001",
			"disconnect",
		}, conn.opLog())
	})

	t.Run("stops after a failed first step", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(MaxSampleRate))
		conn.failWrite = map[string]error{ControlUUID: assert.AnError}
		before := len(conn.opLog())

		require.Error(t, session.Reset())
		assert.Equal(t, []string{"write:control:3200000000"}, conn.opLog()[before:])
	})
}

func TestSessionOrientationDelivery(t *testing.T) {
	t.Run("delivers decoded samples in registration order", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		order := make(chan string, 2)
		session.OnOrientation(func(Quaternion) { order <- "first" })
		session.OnOrientation(func(Quaternion) { order <- "second" })

		require.NoError(t, session.Start(MaxSampleRate))
		conn.notify(t, OrientationUUID, buildOrientationPacket([5]int16{0, 0, 16384, 0, 0}))

		assert.Equal(t, "first", waitFor(t, order))
		assert.Equal(t, "second", waitFor(t, order))
	})

	t.Run("a panicking sink does not starve the others", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		delivered := make(chan Quaternion, 2)
		session.OnOrientation(func(Quaternion) { panic("sink exploded") })
		session.OnOrientation(func(q Quaternion) { delivered <- q })

		require.NoError(t, session.Start(MaxSampleRate))
		conn.notify(t, OrientationUUID, buildOrientationPacket([5]int16{16384, 0, 0, 0, 0}))
		q := waitFor(t, delivered)
		assert.InDelta(t, 1.0, q.W, 1e-9)

		// Delivery keeps working for subsequent packets too.
		conn.notify(t, OrientationUUID, buildOrientationPacket([5]int16{0, 16384, 0, 0, 0}))
		q = waitFor(t, delivered)
		assert.InDelta(t, 1.0, q.X, 1e-9)
	})

	t.Run("drops malformed packets without killing the stream", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		delivered := make(chan Quaternion, 1)
		session.OnOrientation(func(q Quaternion) { delivered <- q })

		require.NoError(t, session.Start(MaxSampleRate))
		conn.notify(t, OrientationUUID, []byte{0x01, 0x02, 0x03})
		conn.notify(t, OrientationUUID, buildOrientationPacket([5]int16{0, 0, 0, 16384, 0}))

		q := waitFor(t, delivered)
		assert.InDelta(t, 1.0, q.Z, 1e-9)
	})
}

func TestSessionBatteryDelivery(t *testing.T) {
	session, conn := newTestSession(t, true)

	levels := make(chan int, 2)
	session.OnBattery(func(level int) { levels <- level })

	require.NoError(t, session.Start(MaxSampleRate))
	assert.Equal(t, 87, waitFor(t, levels))

	conn.notify(t, BatteryUUID, []byte{42})
	assert.Equal(t, 42, waitFor(t, levels))
}

func TestSessionLinkLoss(t *testing.T) {
	t.Run("unsolicited drop notifies sinks and goes idle", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		dropped := make(chan struct{}, 1)
		session.OnDisconnect(func() { dropped <- struct{}{} })

		require.NoError(t, session.Start(MaxSampleRate))
		conn.dropLink()

		waitFor(t, dropped)
		assert.Equal(t, StateIdle, session.State())
		assert.Equal(t, "disconnect", conn.opLog()[len(conn.opLog())-1])
	})

	t.Run("explicit stop does not fire disconnect sinks", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		dropped := make(chan struct{}, 1)
		session.OnDisconnect(func() { dropped <- struct{}{} })

		require.NoError(t, session.Start(MaxSampleRate))
		require.NoError(t, session.Stop())
		conn.dropLink()

		select {
		case <-dropped:
			t.Fatal("disconnect sink fired for a requested stop")
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestSessionShutdown(t *testing.T) {
	t.Run("stops the stream and rejects further operations", func(t *testing.T) {
		session, conn := newTestSession(t, false)

		require.NoError(t, session.Start(MaxSampleRate))
		require.NoError(t, session.Shutdown())

		assert.Equal(t, StateIdle, session.State())
		assert.Equal(t, "disconnect", conn.opLog()[len(conn.opLog())-1])

		assert.ErrorIs(t, session.Start(MaxSampleRate), ErrSessionClosed)
		assert.ErrorIs(t, session.Stop(), ErrSessionClosed)
		assert.ErrorIs(t, session.Reset(), ErrSessionClosed)
	})

	t.Run("is idempotent", func(t *testing.T) {
		session, _ := newTestSession(t, false)

		require.NoError(t, session.Shutdown())
		require.NoError(t, session.Shutdown())
	})
}
