package oscout

import (
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nxosc/internal/tracker"
)

func TestSendOrientation(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	port := listener.LocalAddr().(*net.UDPAddr).Port
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sink := New("127.0.0.1", port, DefaultAddress, logger)

	sink.SendOrientation(tracker.Quaternion{W: 1.0, X: -0.5, Y: 0.25, Z: 0.125})

	buf := make([]byte, 256)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	datagram := buf[:n]

	// Address pattern and type tags, each nul-padded to a 4-byte boundary,
	// then four big-endian float32 arguments.
	require.Equal(t, 32, len(datagram))
	assert.Equal(t, []byte("/quat\x00\x00\x00"), datagram[:8])
	assert.Equal(t, []byte(",ffff\x00\x00\x00"), datagram[8:16])

	args := make([]float32, 4)
	for i := range args {
		bits := binary.BigEndian.Uint32(datagram[16+4*i:])
		args[i] = math.Float32frombits(bits)
	}
	assert.Equal(t, []float32{1.0, -0.5, 0.25, 0.125}, args)
}

func TestSendOrientationUnreachable(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sink := New("127.0.0.1", 1, DefaultAddress, logger)

	// UDP send to a closed port must not panic or block the caller.
	assert.NotPanics(t, func() {
		sink.SendOrientation(tracker.Quaternion{W: 1.0})
	})
}
