package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPresence_PublishSubscribe(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	var got []string
	_, err := p.Subscribe(ctx, "chat", func(data []byte) {
		var s string
		require.NoError(t, json.Unmarshal(data, &s))
		got = append(got, s)
	})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "chat", "hello"))
	require.NoError(t, p.Publish(ctx, "chat", "world"))
	assert.Equal(t, []string{"hello", "world"}, got)
}

func TestLocalPresence_PayloadJSONRoundTrip(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	type inner struct {
		Name string `json:"name"`
	}

	var got map[string]any
	_, err := p.Subscribe(ctx, "t", func(data []byte) {
		require.NoError(t, json.Unmarshal(data, &got))
	})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "t", inner{Name: "alice"}))

	// Only plain data survives the round trip.
	assert.Equal(t, map[string]any{"name": "alice"}, got)
}

func TestLocalPresence_UnsubscribeSingleHandler(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	var first, second int
	sub1, err := p.Subscribe(ctx, "t", func([]byte) { first++ })
	require.NoError(t, err)
	_, err = p.Subscribe(ctx, "t", func([]byte) { second++ })
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "t", 1))
	require.NoError(t, sub1.Unsubscribe())
	require.NoError(t, p.Publish(ctx, "t", 2))

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	// Unsubscribing twice is a no-op.
	require.NoError(t, sub1.Unsubscribe())
}

func TestLocalPresence_UnsubscribeTopic(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	var calls int
	_, _ = p.Subscribe(ctx, "t", func([]byte) { calls++ })
	_, _ = p.Subscribe(ctx, "t", func([]byte) { calls++ })

	require.NoError(t, p.Unsubscribe(ctx, "t"))
	require.NoError(t, p.Publish(ctx, "t", nil))
	assert.Equal(t, 0, calls)

	// Unknown topic is a no-op.
	require.NoError(t, p.Unsubscribe(ctx, "unknown"))
}

func TestLocalPresence_Exists(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	ok, err := p.Exists(ctx, "t")
	require.NoError(t, err)
	assert.False(t, ok)

	sub, _ := p.Subscribe(ctx, "t", func([]byte) {})
	ok, _ = p.Exists(ctx, "t")
	assert.True(t, ok)

	require.NoError(t, sub.Unsubscribe())
	ok, _ = p.Exists(ctx, "t")
	assert.False(t, ok)
}

func TestLocalPresence_SetGetDel(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k", "v"))
	v, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, p.Del(ctx, "k"))
	_, ok, _ = p.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalPresence_SetEx(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	require.NoError(t, p.SetEx(ctx, "k", "v", 30*time.Millisecond))
	_, ok, _ := p.Get(ctx, "k")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, _ := p.Get(ctx, "k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLocalPresence_IncrDecr(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	n, err := p.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, _ = p.Incr(ctx, "c")
	assert.Equal(t, int64(2), n)

	n, _ = p.Decr(ctx, "c")
	assert.Equal(t, int64(1), n)

	// Decrementing a fresh key starts from 0.
	n, _ = p.Decr(ctx, "other")
	assert.Equal(t, int64(-1), n)
}

func TestLocalPresence_IncrConcurrent(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = p.Incr(ctx, "c")
		}()
	}
	wg.Wait()

	v, ok, _ := p.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("%d", n), v)
}

func TestLocalPresence_Hash(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	require.NoError(t, p.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, p.HSet(ctx, "h", "f2", "v2"))

	v, ok, _ := p.HGet(ctx, "h", "f1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	n, _ := p.HLen(ctx, "h")
	assert.Equal(t, 2, n)

	all, _ := p.HGetAll(ctx, "h")
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, p.HDel(ctx, "h", "f1"))
	_, ok, _ = p.HGet(ctx, "h", "f1")
	assert.False(t, ok)

	n, _ = p.HLen(ctx, "h")
	assert.Equal(t, 1, n)
}

func TestLocalPresence_Set_Operations(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	require.NoError(t, p.SAdd(ctx, "s1", "a"))
	require.NoError(t, p.SAdd(ctx, "s1", "b"))
	require.NoError(t, p.SAdd(ctx, "s1", "a")) // duplicate

	n, _ := p.SCard(ctx, "s1")
	assert.Equal(t, 2, n)

	ok, _ := p.SIsMember(ctx, "s1", "a")
	assert.True(t, ok)

	members, _ := p.SMembers(ctx, "s1")
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, p.SAdd(ctx, "s2", "b"))
	require.NoError(t, p.SAdd(ctx, "s2", "c"))

	inter, _ := p.SInter(ctx, "s1", "s2")
	assert.Equal(t, []string{"b"}, inter)

	require.NoError(t, p.SRem(ctx, "s1", "b"))
	ok, _ = p.SIsMember(ctx, "s1", "b")
	assert.False(t, ok)
}

func TestLocalPresence_ReentrantPublish(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	var replies int
	_, err := p.Subscribe(ctx, "reply", func([]byte) { replies++ })
	require.NoError(t, err)

	// A handler that publishes from inside its own callback must not deadlock.
	_, err = p.Subscribe(ctx, "request", func([]byte) {
		require.NoError(t, p.Publish(ctx, "reply", "pong"))
	})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "request", "ping"))
	assert.Equal(t, 1, replies)
}

func TestLocalPresence_Shutdown(t *testing.T) {
	p := NewLocalPresence()
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k", "v"))
	require.NoError(t, p.Shutdown(ctx))

	assert.ErrorIs(t, p.Set(ctx, "k", "v"), ErrClosed)
	_, err := p.Subscribe(ctx, "t", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Publish(ctx, "t", nil), ErrClosed)

	// Shutdown is idempotent.
	require.NoError(t, p.Shutdown(ctx))
}
