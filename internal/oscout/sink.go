// Package oscout forwards decoded orientation samples as OSC messages over
// UDP, one datagram per sample.
package oscout

import (
	"github.com/hypebeast/go-osc/osc"
	"github.com/sirupsen/logrus"

	"github.com/srg/nxosc/internal/tracker"
)

const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 9000
	DefaultAddress = "/quat"
)

// Sink owns an OSC client for the lifetime of one streaming session. Its
// SendOrientation method satisfies tracker.OrientationSink.
type Sink struct {
	client  *osc.Client
	address string
	logger  *logrus.Logger
}

// New creates a sink targeting host:port. address is the OSC address pattern
// each sample is published under.
func New(host string, port int, address string, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{
		client:  osc.NewClient(host, port),
		address: address,
		logger:  logger,
	}
}

// SendOrientation publishes one sample as four float32 arguments in decoded
// order (w, x, y, z). Send failures are logged and swallowed so a dead
// listener never disturbs the stream.
func (s *Sink) SendOrientation(q tracker.Quaternion) {
	msg := osc.NewMessage(s.address)
	msg.Append(float32(q.W))
	msg.Append(float32(q.X))
	msg.Append(float32(q.Y))
	msg.Append(float32(q.Z))

	if err := s.client.Send(msg); err != nil {
		s.logger.WithError(err).Debug("OSC send failed")
	}
}
