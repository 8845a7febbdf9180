package driver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(roomID, processID, name string) *RoomCache {
	return &RoomCache{
		RoomID:    roomID,
		ProcessID: processID,
		Name:      name,
		CreatedAt: time.Now(),
	}
}

func TestMemoryDriver_PersistAndFindOne(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	entry := newEntry("r1", "p1", "battle")
	entry.MaxClients = 4
	require.NoError(t, d.Persist(ctx, entry, true))

	found, err := d.FindOne(ctx, Filter{"roomId": "r1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "battle", found.Name)
	assert.Equal(t, 4, found.MaxClients)

	missing, err := d.FindOne(ctx, Filter{"roomId": "nope"}, nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryDriver_PersistIsolatesCaller(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	entry := newEntry("r1", "p1", "battle")
	require.NoError(t, d.Persist(ctx, entry, true))

	// Mutations after Persist must not leak into stored state.
	entry.Clients = 99
	found, err := d.FindOne(ctx, Filter{"roomId": "r1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, found.Clients)
}

func TestMemoryDriver_Upsert(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	entry := newEntry("r1", "p1", "battle")
	require.NoError(t, d.Persist(ctx, entry, true))

	entry.Clients = 3
	entry.Locked = true
	require.NoError(t, d.Persist(ctx, entry, false))

	found, _ := d.FindOne(ctx, Filter{"roomId": "r1"}, nil)
	assert.Equal(t, 3, found.Clients)
	assert.True(t, found.Locked)

	all, _ := d.Query(ctx, Filter{}, nil)
	assert.Len(t, all, 1)
}

func TestMemoryDriver_QueryByMetadata(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	e1 := newEntry("r1", "p1", "battle")
	e1.Metadata = map[string]any{"mode": "ranked", "region": "eu"}
	e2 := newEntry("r2", "p1", "battle")
	e2.Metadata = map[string]any{"mode": "casual", "region": "eu"}
	require.NoError(t, d.Persist(ctx, e1, true))
	require.NoError(t, d.Persist(ctx, e2, true))

	ranked, err := d.Query(ctx, Filter{"metadata.mode": "ranked"}, nil)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "r1", ranked[0].RoomID)

	// Bare metadata keys work too (matchmaking criteria form).
	eu, err := d.Query(ctx, Filter{"region": "eu"}, nil)
	require.NoError(t, err)
	assert.Len(t, eu, 2)

	none, err := d.Query(ctx, Filter{"metadata.mode": "unknown"}, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryDriver_QueryNumericFilterToleratesJSONSkew(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	e := newEntry("r1", "p1", "battle")
	e.Metadata = map[string]any{"level": 5}
	require.NoError(t, d.Persist(ctx, e, true))

	// A value that went through a JSON round trip arrives as float64.
	found, err := d.Query(ctx, Filter{"metadata.level": float64(5)}, nil)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestMemoryDriver_Sort(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	for i, clients := range []int{3, 1, 2} {
		e := newEntry(fmt.Sprintf("r%d", i), "p1", "battle")
		e.Clients = clients
		require.NoError(t, d.Persist(ctx, e, true))
	}

	asc, err := d.Query(ctx, Filter{}, []SortField{{Field: "clients"}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, clientCounts(asc))

	desc, err := d.Query(ctx, Filter{}, []SortField{{Field: "clients", Desc: true}})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, clientCounts(desc))
}

func clientCounts(entries []*RoomCache) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Clients
	}
	return out
}

func TestMemoryDriver_MultiKeySort(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	add := func(roomID string, priority, rating int) {
		e := newEntry(roomID, "p1", "battle")
		e.Metadata = map[string]any{"priority": priority, "rating": rating}
		require.NoError(t, d.Persist(ctx, e, true))
	}
	add("a", 1, 30)
	add("b", 2, 10)
	add("c", 2, 20)
	add("d", 1, 10)

	got, err := d.Query(ctx, Filter{}, []SortField{
		{Field: "metadata.priority", Desc: true},
		{Field: "metadata.rating"},
	})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.RoomID
	}
	assert.Equal(t, []string{"b", "c", "d", "a"}, ids)
}

func TestMemoryDriver_RemoveIdempotent(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	require.NoError(t, d.Persist(ctx, newEntry("r1", "p1", "battle"), true))
	require.NoError(t, d.Remove(ctx, "r1"))
	require.NoError(t, d.Remove(ctx, "r1"))

	all, _ := d.Query(ctx, Filter{}, nil)
	assert.Empty(t, all)
}

func TestMemoryDriver_Cleanup(t *testing.T) {
	for _, count := range []int{400, 600} {
		t.Run(fmt.Sprintf("%d_entries", count), func(t *testing.T) {
			d := NewMemoryDriver()
			ctx := context.Background()

			for i := 0; i < count; i++ {
				require.NoError(t, d.Persist(ctx, newEntry(fmt.Sprintf("dead%d", i), "dead_process", "battle"), true))
			}
			for i := 0; i < 10; i++ {
				require.NoError(t, d.Persist(ctx, newEntry(fmt.Sprintf("live%d", i), "live_process", "battle"), true))
			}

			require.NoError(t, d.Cleanup(ctx, "dead_process"))

			remaining, err := d.Query(ctx, Filter{}, nil)
			require.NoError(t, err)
			require.Len(t, remaining, 10)
			for _, e := range remaining {
				assert.Equal(t, "live_process", e.ProcessID)
			}
		})
	}
}

func TestMemoryDriver_ConcurrentPersist(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	const n = 100

	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			_ = d.Persist(ctx, newEntry(fmt.Sprintf("r%d", i), "p1", "battle"), true)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	all, err := d.Query(ctx, Filter{}, nil)
	require.NoError(t, err)
	assert.Len(t, all, n)
}
