// Package tracker implements the streaming session against the Nx Tracker 2
// head tracker: connection lifecycle, the stream control protocol, packet
// decoding, and fan-out of decoded samples to registered sinks.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/dispatch"
	"github.com/srg/nxosc/internal/groutine"
)

// ErrSessionClosed is returned by control operations after Shutdown.
var ErrSessionClosed = errors.New("session closed")

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateStreaming
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// OrientationSink consumes decoded orientation samples. Sinks run on the
// session's dispatch loop; a sink that must touch state owned by another
// goroutine has to hand the value off (see ui.Sink) rather than block.
type OrientationSink func(Quaternion)

// BatterySink consumes battery level updates (0-100 by convention).
type BatterySink func(level int)

// DisconnectSink is notified when the peripheral drops the link without a
// Stop having been requested.
type DisconnectSink func()

// SessionOptions configures a Session.
type SessionOptions struct {
	ConnectTimeout time.Duration // 0 = transport default
	ReadTimeout    time.Duration // 0 = transport default
	Logger         *logrus.Logger
}

// Session owns the connect/stream/disconnect lifecycle against the tracker.
//
// All connection access is confined to one dispatch loop: control operations
// (Start, Stop, Reset, Shutdown) are submitted as tasks and serialized, and
// inbound notifications are forwarded onto the same loop before decoding, so
// two notifications are never processed concurrently. Control operations are
// safe to invoke from any goroutine, but not from within a sink callback.
type Session struct {
	dev    device.Device
	loop   *dispatch.Loop
	logger *logrus.Logger

	connectTimeout time.Duration
	readTimeout    time.Duration

	// Everything below is loop-confined; no locking needed.
	orientationSinks []OrientationSink
	batterySinks     []BatterySink
	disconnectSinks  []DisconnectSink
	batterySubbed    bool
	stopWatch        chan struct{}

	state  atomic.Int32 // SessionState; written only on the loop
	closed atomic.Bool
}

// NewSession creates a Session for the given device. The device is owned
// exclusively by the session from this point on.
func NewSession(dev device.Device, opts *SessionOptions) *Session {
	if opts == nil {
		opts = &SessionOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Session{
		dev:            dev,
		loop:           dispatch.NewLoop("tracker-session", logger),
		logger:         logger,
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
	}
}

// State returns the current lifecycle state. Safe from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// OnOrientation registers a sink for decoded orientation samples. Sinks are
// invoked in registration order.
func (s *Session) OnOrientation(sink OrientationSink) {
	_ = s.loop.Post(func() {
		s.orientationSinks = append(s.orientationSinks, sink)
	})
}

// OnBattery registers a sink for battery level updates.
func (s *Session) OnBattery(sink BatterySink) {
	_ = s.loop.Post(func() {
		s.batterySinks = append(s.batterySinks, sink)
	})
}

// OnDisconnect registers a sink for unsolicited link drops.
func (s *Session) OnDisconnect(sink DisconnectSink) {
	_ = s.loop.Post(func() {
		s.disconnectSinks = append(s.disconnectSinks, sink)
	})
}

// Start connects to the tracker and starts the notification stream. rate is
// the peripheral's single-byte sample rate request; MaxSampleRate (0xff) is
// the highest observed rate. No-op when already streaming. On any failure the
// session is left Idle with the connection released and no subscription
// active.
func (s *Session) Start(rate byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.loop.Call(func() error { return s.start(rate) })
}

// Stop ends the stream: stop control write, unsubscribe, disconnect. Best
// effort; the session always ends up Idle even when intermediate steps fail,
// and all failures are reported joined. No-op when already Idle.
func (s *Session) Stop() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.loop.Call(s.stop)
}

// Reset issues the two-step reset sequence to the control characteristic.
// Valid in any state; while Idle a transient connection is made for the two
// writes. Reset does not change the session state, but the peripheral will
// silently end any in-flight stream, so expect notifications to go quiet
// without a Stop.
func (s *Session) Reset() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.loop.Call(s.reset)
}

// Shutdown stops the stream and releases the session's resources. Idempotent.
// The session is not reusable afterwards.
func (s *Session) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.loop.Call(s.stop)
	s.loop.Shutdown()
	if errors.Is(err, dispatch.ErrLoopClosed) {
		return nil
	}
	return err
}

// start runs on the session loop.
func (s *Session) start(rate byte) error {
	if s.State() == StateStreaming {
		s.logger.Debug("Start requested while already streaming, ignoring")
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.dev.Address(),
		"rate":    rate,
	}).Info("Starting tracker stream...")

	if err := s.dev.Connect(context.Background(), &device.ConnectOptions{ConnectTimeout: s.connectTimeout}); err != nil {
		return fmt.Errorf("failed to connect to tracker: %w", err)
	}
	conn := s.dev.GetConnection()

	if err := conn.Write(ControlUUID, []byte{rate}, true); err != nil {
		s.abortStart(conn, false)
		return fmt.Errorf("failed to request stream start: %w", err)
	}

	if err := conn.Subscribe(OrientationUUID, s.handleOrientationNotification); err != nil {
		s.abortStart(conn, false)
		return fmt.Errorf("failed to subscribe to orientation stream: %w", err)
	}

	// The battery characteristic only exists on some firmware variants.
	s.batterySubbed = false
	if conn.HasCharacteristic(BatteryUUID) {
		if err := conn.Subscribe(BatteryUUID, s.handleBatteryNotification); err != nil {
			s.abortStart(conn, true)
			return fmt.Errorf("failed to subscribe to battery level: %w", err)
		}
		s.batterySubbed = true

		// Battery notifications are sparse. Read once up front so consumers
		// are not left without a value until the first push arrives.
		if level, err := ReadBatteryLevel(conn, s.readTimeout); err != nil {
			s.logger.WithError(err).Warn("Initial battery read failed")
		} else {
			s.deliverBattery(level)
		}
	} else {
		s.logger.Debug("Tracker variant without battery characteristic")
	}

	s.watchLink(conn)
	s.state.Store(int32(StateStreaming))
	s.logger.Info("Tracker stream started")
	return nil
}

// abortStart rolls back a partially started stream so a failed Start leaves
// no subscription and no connection behind.
func (s *Session) abortStart(conn device.Connection, orientationSubbed bool) {
	if orientationSubbed {
		if err := conn.Unsubscribe(OrientationUUID); err != nil {
			s.logger.WithError(err).Warn("Failed to roll back orientation subscription")
		}
	}
	if err := s.dev.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Failed to release connection after start failure")
	}
}

// stop runs on the session loop.
func (s *Session) stop() error {
	if s.State() == StateIdle {
		s.logger.Debug("Stop requested while idle, ignoring")
		return nil
	}

	s.logger.Info("Stopping tracker stream...")
	conn := s.dev.GetConnection()

	if s.stopWatch != nil {
		close(s.stopWatch)
		s.stopWatch = nil
	}

	var errs []error
	if err := conn.Write(ControlUUID, stopStreamPayload, true); err != nil {
		s.logger.WithError(err).Warn("Stream stop write failed")
		errs = append(errs, fmt.Errorf("stop write: %w", err))
	}
	if err := conn.Unsubscribe(OrientationUUID); err != nil {
		s.logger.WithError(err).Warn("Orientation unsubscribe failed")
		errs = append(errs, fmt.Errorf("orientation unsubscribe: %w", err))
	}
	if s.batterySubbed {
		if err := conn.Unsubscribe(BatteryUUID); err != nil {
			s.logger.WithError(err).Warn("Battery unsubscribe failed")
			errs = append(errs, fmt.Errorf("battery unsubscribe: %w", err))
		}
		s.batterySubbed = false
	}
	if err := s.dev.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Disconnect failed")
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}

	// Unconditional: a severed link must not leave the session stuck Streaming.
	s.state.Store(int32(StateIdle))
	s.logger.Info("Tracker stream stopped")
	return errors.Join(errs...)
}

// reset runs on the session loop. Valid in any state: while streaming the
// live connection is used, otherwise a transient one is established just for
// the sequence.
func (s *Session) reset() error {
	if conn := s.dev.GetConnection(); conn != nil && conn.IsConnected() {
		if err := WriteReset(conn); err != nil {
			return err
		}
		s.logger.Info("Tracker reset issued")
		return nil
	}

	if err := s.dev.Connect(context.Background(), &device.ConnectOptions{ConnectTimeout: s.connectTimeout}); err != nil {
		return fmt.Errorf("failed to connect to tracker: %w", err)
	}
	err := WriteReset(s.dev.GetConnection())
	if derr := s.dev.Disconnect(); derr != nil {
		s.logger.WithError(derr).Warn("Failed to release connection after reset")
	}
	if err != nil {
		return err
	}
	s.logger.Info("Tracker reset issued")
	return nil
}

// watchLink notifies disconnect sinks when the peripheral drops the link
// while streaming. An explicit Stop cancels the watch first, so consumers
// only hear about unsolicited drops.
func (s *Session) watchLink(conn device.Connection) {
	stop := make(chan struct{})
	s.stopWatch = stop

	groutine.Go(context.Background(), "tracker-link-watch", func(context.Context) {
		select {
		case <-conn.Disconnected():
			_ = s.loop.Post(s.handleLinkLost)
		case <-stop:
		}
	})
}

// handleLinkLost runs on the session loop.
func (s *Session) handleLinkLost() {
	if s.State() != StateStreaming {
		return
	}
	s.logger.Warn("Tracker link lost")

	if s.stopWatch != nil {
		close(s.stopWatch)
		s.stopWatch = nil
	}
	s.batterySubbed = false

	// The link is gone; only local transport state needs releasing.
	if err := s.dev.Disconnect(); err != nil {
		s.logger.WithError(err).Debug("Releasing dead connection reported error")
	}
	s.state.Store(int32(StateIdle))

	for i, sink := range s.disconnectSinks {
		s.invokeSink("disconnect", i, func() { sink() })
	}
}

// handleOrientationNotification runs on the transport's notification
// goroutine. The payload is only valid for the duration of the callback, so
// it is copied before crossing onto the session loop.
func (s *Session) handleOrientationNotification(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	_ = s.loop.Post(func() { s.processOrientation(buf) })
}

func (s *Session) handleBatteryNotification(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	_ = s.loop.Post(func() { s.processBattery(buf) })
}

// processOrientation runs on the session loop. A malformed packet is dropped
// and logged; it never tears down the subscription.
func (s *Session) processOrientation(data []byte) {
	q, err := DecodeOrientation(data)
	if err != nil {
		s.logger.WithError(err).Warn("Dropping malformed orientation packet")
		return
	}
	for i, sink := range s.orientationSinks {
		s.invokeSink("orientation", i, func() { sink(q) })
	}
}

// processBattery runs on the session loop.
func (s *Session) processBattery(data []byte) {
	level, err := DecodeBattery(data)
	if err != nil {
		s.logger.WithError(err).Warn("Dropping malformed battery packet")
		return
	}
	s.deliverBattery(level)
}

func (s *Session) deliverBattery(level int) {
	for i, sink := range s.batterySinks {
		s.invokeSink("battery", i, func() { sink(level) })
	}
}

// invokeSink isolates sink failures: a panicking sink is logged and delivery
// continues to the remaining sinks and future notifications.
func (s *Session) invokeSink(kind string, index int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"sink":  kind,
				"index": index,
				"panic": r,
			}).Error("Sink failed, continuing delivery")
		}
	}()
	fn()
}
