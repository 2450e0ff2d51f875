package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDropsOldestWhenFull(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Send(2)
	rc.Send(3)

	assert.Equal(t, 2, <-rc.C())
	assert.Equal(t, 3, <-rc.C())
}

func TestCloseEndsRange(t *testing.T) {
	rc := New[string](4)
	rc.Send("a")
	rc.Send("b")
	rc.Close()

	var got []string
	for v := range rc.C() {
		got = append(got, v)
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
