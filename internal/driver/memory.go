package driver

import (
	"context"
	"sync"
)

// MemoryDriver is the in-process Driver implementation. Entries are stored as
// deep copies so query results are stable snapshots, insulated from the
// owning room's subsequent mutations. All methods are safe for concurrent use.
type MemoryDriver struct {
	mu      sync.RWMutex
	entries map[string]*RoomCache // roomID → entry
	order   []string              // insertion order for natural query order
}

// NewMemoryDriver creates an empty MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		entries: make(map[string]*RoomCache),
	}
}

// Boot is a no-op for the in-memory backend.
func (d *MemoryDriver) Boot(context.Context) error { return nil }

// Persist upserts a copy of entry.
//
// Precondition: entry.RoomID must be non-empty.
func (d *MemoryDriver) Persist(_ context.Context, entry *RoomCache, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[entry.RoomID]; !exists {
		d.order = append(d.order, entry.RoomID)
	}
	d.entries[entry.RoomID] = entry.Clone()
	return nil
}

// Query returns copies of all entries matching filter, sorted by spec.
func (d *MemoryDriver) Query(_ context.Context, filter Filter, sort []SortField) ([]*RoomCache, error) {
	d.mu.RLock()
	matched := make([]*RoomCache, 0)
	for _, roomID := range d.order {
		entry := d.entries[roomID]
		if entry != nil && matchesFilter(entry, filter) {
			matched = append(matched, entry.Clone())
		}
	}
	d.mu.RUnlock()

	sortEntries(matched, sort)
	return matched, nil
}

// FindOne returns the first match under sort, or nil when nothing matches.
func (d *MemoryDriver) FindOne(ctx context.Context, filter Filter, sort []SortField) (*RoomCache, error) {
	matched, err := d.Query(ctx, filter, sort)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

// Remove deletes the entry for roomID. Idempotent.
func (d *MemoryDriver) Remove(_ context.Context, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(roomID)
	return nil
}

func (d *MemoryDriver) removeLocked(roomID string) {
	if _, exists := d.entries[roomID]; !exists {
		return
	}
	delete(d.entries, roomID)
	for i, id := range d.order {
		if id == roomID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Cleanup deletes every entry owned by processID.
func (d *MemoryDriver) Cleanup(_ context.Context, processID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []string
	for roomID, entry := range d.entries {
		if entry.ProcessID == processID {
			stale = append(stale, roomID)
		}
	}
	for _, roomID := range stale {
		d.removeLocked(roomID)
	}
	return nil
}

// Shutdown drops all entries.
func (d *MemoryDriver) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]*RoomCache)
	d.order = nil
	return nil
}

var _ Driver = (*MemoryDriver)(nil)
