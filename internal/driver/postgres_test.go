package driver_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/testutil"
)

func newPostgresDriver(t *testing.T) *driver.PostgresDriver {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed driver test in short mode")
	}

	pc := testutil.NewPostgresContainer(t)
	d := driver.NewPostgresDriver(pc.Config)
	require.NoError(t, d.Boot(context.Background()))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func TestPostgresDriver_PersistQueryRemove(t *testing.T) {
	d := newPostgresDriver(t)
	ctx := context.Background()

	entry := &driver.RoomCache{
		RoomID:     "r1",
		ProcessID:  "p1",
		Name:       "battle",
		MaxClients: 4,
		Metadata:   map[string]any{"mode": "ranked"},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, d.Persist(ctx, entry, true))

	// Upsert with mutated counts.
	entry.Clients = 2
	entry.Locked = true
	require.NoError(t, d.Persist(ctx, entry, false))

	found, err := d.FindOne(ctx, driver.Filter{"name": "battle"}, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "r1", found.RoomID)
	assert.Equal(t, 2, found.Clients)
	assert.True(t, found.Locked)
	assert.Equal(t, "ranked", found.Metadata["mode"])

	ranked, err := d.Query(ctx, driver.Filter{"metadata.mode": "ranked"}, nil)
	require.NoError(t, err)
	assert.Len(t, ranked, 1)

	none, err := d.Query(ctx, driver.Filter{"metadata.mode": "casual"}, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, d.Remove(ctx, "r1"))
	require.NoError(t, d.Remove(ctx, "r1")) // idempotent

	missing, err := d.FindOne(ctx, driver.Filter{"roomId": "r1"}, nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresDriver_SortMatchesMemoryBackend(t *testing.T) {
	d := newPostgresDriver(t)
	ctx := context.Background()

	for i, clients := range []int{3, 1, 2} {
		require.NoError(t, d.Persist(ctx, &driver.RoomCache{
			RoomID:    fmt.Sprintf("r%d", i),
			ProcessID: "p1",
			Name:      "battle",
			Clients:   clients,
			CreatedAt: time.Now(),
		}, true))
	}

	got, err := d.Query(ctx, driver.Filter{"name": "battle"}, []driver.SortField{{Field: "clients", Desc: true}})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Clients)
	assert.Equal(t, 2, got[1].Clients)
	assert.Equal(t, 1, got[2].Clients)
}

func TestPostgresDriver_CleanupAtScale(t *testing.T) {
	d := newPostgresDriver(t)
	ctx := context.Background()

	const dead, live = 600, 25
	for i := 0; i < dead; i++ {
		require.NoError(t, d.Persist(ctx, &driver.RoomCache{
			RoomID:    fmt.Sprintf("dead%d", i),
			ProcessID: "dead_process",
			Name:      "battle",
			CreatedAt: time.Now(),
		}, true))
	}
	for i := 0; i < live; i++ {
		require.NoError(t, d.Persist(ctx, &driver.RoomCache{
			RoomID:    fmt.Sprintf("live%d", i),
			ProcessID: "live_process",
			Name:      "battle",
			CreatedAt: time.Now(),
		}, true))
	}

	start := time.Now()
	require.NoError(t, d.Cleanup(ctx, "dead_process"))
	t.Logf("cleaned %d entries [%s]", dead, time.Since(start))

	remaining, err := d.Query(ctx, driver.Filter{}, nil)
	require.NoError(t, err)
	require.Len(t, remaining, live)
	for _, e := range remaining {
		assert.Equal(t, "live_process", e.ProcessID)
	}
}
