package matchmaker

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/arena/internal/driver"
)

// HandlerFactory builds a fresh handler instance for each room. The returned
// value implements whichever room hooks the application needs.
type HandlerFactory func() any

// RegisteredHandler is one room type known to the matchmaker, with the
// matchmaking criteria applied when clients join by name.
type RegisteredHandler struct {
	name    string
	factory HandlerFactory

	mu       sync.RWMutex
	filterBy []string
	sortBy   []driver.SortField
	realtime bool
}

// FilterBy restricts join matchmaking to rooms whose listed fields equal the
// client's option values. Fields resolve against cache fields first, then
// metadata. Returns the handler for chaining.
func (h *RegisteredHandler) FilterBy(fields ...string) *RegisteredHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filterBy = fields
	return h
}

// SortBy ranks join candidates. Earlier fields take precedence. Returns the
// handler for chaining.
func (h *RegisteredHandler) SortBy(fields ...driver.SortField) *RegisteredHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sortBy = fields
	return h
}

// EnableRealtimeListing announces rooms of this type on the lobby presence
// topic as they appear and disappear, so lobby views can track listings
// without polling. Returns the handler for chaining.
func (h *RegisteredHandler) EnableRealtimeListing() *RegisteredHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.realtime = true
	return h
}

func (h *RegisteredHandler) realtimeListing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.realtime
}

func (h *RegisteredHandler) criteria() (filterBy []string, sortBy []driver.SortField) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filterBy, h.sortBy
}

// Registry indexes registered room types by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*RegisteredHandler
}

// NewRegistry creates an empty room-type registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*RegisteredHandler)}
}

// Define registers (or replaces) a room type under name.
//
// Precondition: factory must be non-nil.
func (r *Registry) Define(name string, factory HandlerFactory) *RegisteredHandler {
	if factory == nil {
		panic(fmt.Sprintf("matchmaker: nil factory for room type %q", name))
	}
	h := &RegisteredHandler{name: name, factory: factory}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return h
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (*RegisteredHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Remove deregisters a room type. Existing rooms of that type keep running.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

// Names returns the registered room-type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
