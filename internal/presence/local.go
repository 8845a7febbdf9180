package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// LocalPresence is the in-process reference implementation of Presence.
// It serves single-process deployments and tests. All methods are safe for
// concurrent use.
type LocalPresence struct {
	mu      sync.Mutex
	closed  bool
	nextSub uint64
	subs    map[string][]*localSubscription // topic → ordered handlers
	kv      map[string]string
	expiry  map[string]*time.Timer
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
}

type localSubscription struct {
	p       *LocalPresence
	topic   string
	id      uint64
	handler Handler
}

// Topic returns the subscribed topic.
func (s *localSubscription) Topic() string { return s.topic }

// Unsubscribe removes this handler. Idempotent.
func (s *localSubscription) Unsubscribe() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.removeSubLocked(s.topic, s.id)
	return nil
}

// NewLocalPresence creates an empty LocalPresence.
func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		subs:   make(map[string][]*localSubscription),
		kv:     make(map[string]string),
		expiry: make(map[string]*time.Timer),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (p *LocalPresence) removeSubLocked(topic string, id uint64) {
	list := p.subs[topic]
	for i, s := range list {
		if s.id == id {
			p.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.subs[topic]) == 0 {
		delete(p.subs, topic)
	}
}

// Publish delivers the JSON encoding of payload to every subscriber of topic,
// in subscription order. Handlers run on the caller's goroutine without the
// presence lock held, so a handler may publish or subscribe reentrantly.
func (p *LocalPresence) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for topic %q: %w", topic, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(p.subs[topic]))
	for _, s := range p.subs[topic] {
		handlers = append(handlers, s.handler)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers h for topic.
func (p *LocalPresence) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.nextSub++
	sub := &localSubscription{p: p, topic: topic, id: p.nextSub, handler: h}
	p.subs[topic] = append(p.subs[topic], sub)
	return sub, nil
}

// Unsubscribe removes every handler for topic. Unknown topics are a no-op.
func (p *LocalPresence) Unsubscribe(_ context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, topic)
	return nil
}

// Exists reports whether topic has at least one subscriber.
func (p *LocalPresence) Exists(_ context.Context, topic string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[topic]) > 0, nil
}

// Set stores value under key, clearing any pending expiry.
func (p *LocalPresence) Set(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.cancelExpiryLocked(key)
	p.kv[key] = value
	return nil
}

// SetEx stores value under key and removes it after ttl.
func (p *LocalPresence) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.cancelExpiryLocked(key)
	p.kv[key] = value
	p.expiry[key] = time.AfterFunc(ttl, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.kv, key)
		delete(p.expiry, key)
	})
	return nil
}

// Get returns the value under key.
func (p *LocalPresence) Get(_ context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.kv[key]
	return v, ok, nil
}

// Del removes key.
func (p *LocalPresence) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelExpiryLocked(key)
	delete(p.kv, key)
	return nil
}

func (p *LocalPresence) cancelExpiryLocked(key string) {
	if t, ok := p.expiry[key]; ok {
		t.Stop()
		delete(p.expiry, key)
	}
}

// Incr atomically increments the integer under key.
func (p *LocalPresence) Incr(_ context.Context, key string) (int64, error) {
	return p.addLocked(key, 1)
}

// Decr atomically decrements the integer under key.
func (p *LocalPresence) Decr(_ context.Context, key string) (int64, error) {
	return p.addLocked(key, -1)
}

func (p *LocalPresence) addLocked(key string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	var n int64
	if raw, ok := p.kv[key]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("key %q holds non-integer value %q", key, raw)
		}
		n = parsed
	}
	n += delta
	p.kv[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// HSet stores field=value in the hash under key.
func (p *LocalPresence) HSet(_ context.Context, key, field, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	h := p.hashes[key]
	if h == nil {
		h = make(map[string]string)
		p.hashes[key] = h
	}
	h[field] = value
	return nil
}

// HGet returns the value of field in the hash under key.
func (p *LocalPresence) HGet(_ context.Context, key, field string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.hashes[key][field]
	return v, ok, nil
}

// HDel removes field from the hash under key.
func (p *LocalPresence) HDel(_ context.Context, key, field string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(p.hashes, key)
		}
	}
	return nil
}

// HGetAll returns a copy of the hash under key.
func (p *LocalPresence) HGetAll(_ context.Context, key string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.hashes[key]))
	for f, v := range p.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HLen returns the number of fields in the hash under key.
func (p *LocalPresence) HLen(_ context.Context, key string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hashes[key]), nil
}

// SAdd adds member to the set under key.
func (p *LocalPresence) SAdd(_ context.Context, key, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	s := p.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		p.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

// SRem removes member from the set under key.
func (p *LocalPresence) SRem(_ context.Context, key, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(p.sets, key)
		}
	}
	return nil
}

// SMembers returns all members of the set under key.
func (p *LocalPresence) SMembers(_ context.Context, key string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sets[key]))
	for m := range p.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

// SCard returns the cardinality of the set under key.
func (p *LocalPresence) SCard(_ context.Context, key string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sets[key]), nil
}

// SIsMember reports whether member is in the set under key.
func (p *LocalPresence) SIsMember(_ context.Context, key, member string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sets[key][member]
	return ok, nil
}

// SInter returns the intersection of the sets under keys.
func (p *LocalPresence) SInter(_ context.Context, keys ...string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(keys) == 0 {
		return nil, nil
	}
	var out []string
	for m := range p.sets[keys[0]] {
		inAll := true
		for _, k := range keys[1:] {
			if _, ok := p.sets[k][m]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, m)
		}
	}
	return out, nil
}

// Shutdown stops expiry timers and drops all state.
func (p *LocalPresence) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for key, t := range p.expiry {
		t.Stop()
		delete(p.expiry, key)
	}
	p.subs = make(map[string][]*localSubscription)
	p.kv = make(map[string]string)
	p.hashes = make(map[string]map[string]string)
	p.sets = make(map[string]map[string]struct{})
	return nil
}

var _ Presence = (*LocalPresence)(nil)
