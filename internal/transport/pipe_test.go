package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/arena/internal/protocol"
)

func TestPipe_SendReceive(t *testing.T) {
	a, b := NewPipe()

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))

	assert.Equal(t, []byte("one"), <-b.Receive())
	assert.Equal(t, []byte("two"), <-b.Receive())

	require.NoError(t, b.Send([]byte("back")))
	assert.Equal(t, []byte("back"), <-a.Receive())
}

func TestPipe_SendCopiesData(t *testing.T) {
	a, b := NewPipe()

	buf := []byte("mutable")
	require.NoError(t, a.Send(buf))
	buf[0] = 'X'

	assert.Equal(t, []byte("mutable"), <-b.Receive())
}

func TestPipe_CloseDeliversCodeToPeer(t *testing.T) {
	a, b := NewPipe()

	require.NoError(t, a.Close(protocol.CloseConsented, "leaving"))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("peer never observed close")
	}
	assert.Equal(t, protocol.CloseConsented, b.CloseCode())
	assert.Equal(t, protocol.CloseConsented, a.CloseCode())

	// Receive channel drains and closes.
	_, open := <-b.Receive()
	assert.False(t, open)
}

func TestPipe_SendAfterClose(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Close(protocol.CloseNormal, ""))

	assert.ErrorIs(t, a.Send([]byte("late")), ErrConnectionClosed)
	assert.ErrorIs(t, b.Send([]byte("late")), ErrConnectionClosed)
}

func TestPipe_CloseIdempotent(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Close(protocol.CloseConsented, ""))
	require.NoError(t, a.Close(protocol.CloseNormal, ""))

	// First close code wins.
	assert.Equal(t, protocol.CloseConsented, b.CloseCode())
}
