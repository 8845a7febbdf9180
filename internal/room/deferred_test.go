package room

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferred_Resolve(t *testing.T) {
	d := NewDeferred()
	assert.False(t, d.Settled())

	assert.True(t, d.Resolve())
	<-d.Done()
	assert.True(t, d.Settled())
	assert.NoError(t, d.Err())

	// Second settlement loses.
	assert.False(t, d.Reject(errors.New("late")))
	assert.NoError(t, d.Err())
}

func TestDeferred_Reject(t *testing.T) {
	d := NewDeferred()
	assert.True(t, d.Reject(errors.New("nope")))
	<-d.Done()
	assert.EqualError(t, d.Err(), "nope")

	assert.False(t, d.Resolve())
}

func TestDeferred_RejectDefaultsReason(t *testing.T) {
	d := NewDeferred()
	d.Reject(nil)
	assert.ErrorIs(t, d.Err(), ErrReconnectionRejected)
}

func TestDeferred_TimeoutFires(t *testing.T) {
	d := NewDeferred()
	fired := make(chan struct{})
	d.SetTimeout(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
	assert.ErrorIs(t, d.Err(), ErrReconnectionExpired)
}

func TestDeferred_ResolveCancelsTimer(t *testing.T) {
	d := NewDeferred()
	var timedOut atomic.Bool
	d.SetTimeout(20*time.Millisecond, func() { timedOut.Store(true) })

	require.True(t, d.Resolve())
	time.Sleep(50 * time.Millisecond)

	assert.False(t, timedOut.Load(), "timer fired after explicit resolution")
	assert.NoError(t, d.Err())
}

func TestDeferred_SetTimeoutAfterSettleIsNoop(t *testing.T) {
	d := NewDeferred()
	d.Resolve()
	d.SetTimeout(time.Millisecond, func() { t.Fatal("must not fire") })
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, d.Err())
}

func TestDeferred_ConcurrentSettlement(t *testing.T) {
	d := NewDeferred()
	const n = 50
	wins := make(chan bool, n*2)

	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func() { defer wg.Done(); wins <- d.Resolve() }()
		go func() { defer wg.Done(); wins <- d.Reject(errors.New("x")) }()
	}
	wg.Wait()
	close(wins)

	count := 0
	for won := range wins {
		if won {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one settlement must win")
}
