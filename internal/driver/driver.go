// Package driver provides persistence and querying of room-cache records:
// one record per live room, visible to every process, used by matchmaking to
// discover and rank candidate rooms. Backends are pluggable; the in-memory
// implementation serves single-process deployments and tests, the PostgreSQL
// implementation serves clusters.
package driver

import (
	"context"
	"time"
)

// RoomCache is the process-wide discovery record for a single live room.
// Only the owning process ever mutates Clients; every other field changes
// through the owning room's Persist calls.
type RoomCache struct {
	// RoomID uniquely identifies the room across the cluster.
	RoomID string `json:"roomId"`
	// ProcessID identifies the process hosting the room instance.
	ProcessID string `json:"processId"`
	// Name is the registered room-type name.
	Name string `json:"name"`
	// Clients is the current seat count, including unconsumed reservations.
	Clients int `json:"clients"`
	// MaxClients is the room capacity. 0 means unbounded.
	MaxClients int `json:"maxClients"`
	// Locked indicates the room refuses new matchmaking joins.
	Locked bool `json:"locked"`
	// Private excludes the room from filter-based matchmaking.
	Private bool `json:"private"`
	// Unlisted hides the room from lobby listings without locking it.
	Unlisted bool `json:"unlisted"`
	// Metadata holds arbitrary matchmaking attributes, queryable via
	// "metadata.<field>" filter paths.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the room was instantiated.
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the entry.
func (rc *RoomCache) Clone() *RoomCache {
	out := *rc
	if rc.Metadata != nil {
		out.Metadata = make(map[string]any, len(rc.Metadata))
		for k, v := range rc.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// HasReachedMaxClients reports whether the cached seat count is at capacity.
func (rc *RoomCache) HasReachedMaxClients() bool {
	return rc.MaxClients > 0 && rc.Clients >= rc.MaxClients
}

// Filter is an equality match over RoomCache fields. Keys are field names
// ("name", "clients", "locked", ...) or dotted metadata paths
// ("metadata.mode"). An empty filter matches every entry.
type Filter map[string]any

// SortField orders query results by a single field, ascending by default.
type SortField struct {
	Field string
	Desc  bool
}

// Driver is the room-cache persistence contract.
type Driver interface {
	// Boot prepares backend resources (connections, schema). Optional; the
	// zero-cost backends treat it as a no-op.
	Boot(ctx context.Context) error
	// Persist upserts entry. isNew distinguishes first-time creation for
	// backends that care; upserting must be safe under rapid repeated calls
	// for the same room (last write wins).
	Persist(ctx context.Context, entry *RoomCache, isNew bool) error
	// Query returns entries matching filter, ordered by sort (multi-key,
	// deterministic). A nil sort preserves backend-natural order.
	Query(ctx context.Context, filter Filter, sort []SortField) ([]*RoomCache, error)
	// FindOne returns the first entry matching filter under sort, or nil.
	FindOne(ctx context.Context, filter Filter, sort []SortField) (*RoomCache, error)
	// Remove deletes the entry for roomID. Idempotent.
	Remove(ctx context.Context, roomID string) error
	// Cleanup bulk-deletes every entry owned by processID.
	Cleanup(ctx context.Context, processID string) error
	// Shutdown releases backend resources.
	Shutdown(ctx context.Context) error
}
