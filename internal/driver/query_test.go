package driver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPropertySortIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := NewMemoryDriver()
		ctx := context.Background()

		numEntries := rapid.IntRange(0, 30).Draw(t, "num_entries")
		for i := 0; i < numEntries; i++ {
			e := &RoomCache{
				RoomID:    fmt.Sprintf("r%d", i),
				ProcessID: "p1",
				Name:      "battle",
				Clients:   rapid.IntRange(0, 5).Draw(t, "clients"),
				CreatedAt: time.Now(),
				Metadata: map[string]any{
					"rank": rapid.IntRange(0, 3).Draw(t, "rank"),
				},
			}
			require.NoError(t, d.Persist(ctx, e, true))
		}

		spec := []SortField{
			{Field: "metadata.rank", Desc: rapid.Bool().Draw(t, "rank_desc")},
			{Field: "clients"},
		}

		first, err := d.Query(ctx, Filter{}, spec)
		require.NoError(t, err)
		second, err := d.Query(ctx, Filter{}, spec)
		require.NoError(t, err)

		require.Len(t, second, len(first))
		for i := range first {
			if first[i].RoomID != second[i].RoomID {
				t.Fatalf("sort order unstable at index %d: %s vs %s", i, first[i].RoomID, second[i].RoomID)
			}
		}
	})
}

func TestPropertySortRespectsPrimaryKey(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := NewMemoryDriver()
		ctx := context.Background()

		numEntries := rapid.IntRange(1, 30).Draw(t, "num_entries")
		for i := 0; i < numEntries; i++ {
			e := &RoomCache{
				RoomID:    fmt.Sprintf("r%d", i),
				ProcessID: "p1",
				Name:      "battle",
				Clients:   rapid.IntRange(0, 10).Draw(t, "clients"),
				CreatedAt: time.Now(),
			}
			require.NoError(t, d.Persist(ctx, e, true))
		}

		desc := rapid.Bool().Draw(t, "desc")
		got, err := d.Query(ctx, Filter{}, []SortField{{Field: "clients", Desc: desc}})
		require.NoError(t, err)

		for i := 1; i < len(got); i++ {
			prev, cur := got[i-1].Clients, got[i].Clients
			if desc && prev < cur {
				t.Fatalf("descending order violated: %d before %d", prev, cur)
			}
			if !desc && prev > cur {
				t.Fatalf("ascending order violated: %d before %d", prev, cur)
			}
		}
	})
}

func TestPropertyFilterMatchesAreExact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := NewMemoryDriver()
		ctx := context.Background()

		modes := []string{"ranked", "casual", "duel"}
		numEntries := rapid.IntRange(0, 30).Draw(t, "num_entries")
		counts := map[string]int{}
		for i := 0; i < numEntries; i++ {
			mode := modes[rapid.IntRange(0, len(modes)-1).Draw(t, "mode")]
			counts[mode]++
			e := &RoomCache{
				RoomID:    fmt.Sprintf("r%d", i),
				ProcessID: "p1",
				Name:      "battle",
				CreatedAt: time.Now(),
				Metadata:  map[string]any{"mode": mode},
			}
			require.NoError(t, d.Persist(ctx, e, true))
		}

		for _, mode := range modes {
			got, err := d.Query(ctx, Filter{"metadata.mode": mode}, nil)
			require.NoError(t, err)
			require.Len(t, got, counts[mode])
			for _, e := range got {
				require.Equal(t, mode, e.Metadata["mode"])
			}
		}
	})
}
