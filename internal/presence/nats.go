package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPresence implements Presence on top of a NATS server: pub/sub maps to
// NATS subjects, and the key/value, counter, hash, and set primitives are
// stored in a JetStream key/value bucket. Atomicity of mutations is provided
// by revision-checked compare-and-swap loops against the bucket.
type NATSPresence struct {
	nc *nats.Conn
	kv nats.KeyValue

	mu     sync.Mutex
	closed bool
	subs   map[string][]*natsSubscription
	nextID uint64
}

type natsSubscription struct {
	p     *NATSPresence
	topic string
	id    uint64
	sub   *nats.Subscription
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string { return s.topic }

// Unsubscribe drains the underlying NATS subscription. Idempotent.
func (s *natsSubscription) Unsubscribe() error {
	s.p.mu.Lock()
	list := s.p.subs[s.topic]
	for i, other := range list {
		if other.id == s.id {
			s.p.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.p.subs[s.topic]) == 0 {
		delete(s.p.subs, s.topic)
	}
	s.p.mu.Unlock()
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// NewNATSPresence connects to the NATS server at url and binds (creating if
// necessary) the named JetStream key/value bucket.
//
// Precondition: url must point at a NATS server with JetStream enabled.
// Postcondition: Returns a connected NATSPresence or a non-nil error.
func NewNATSPresence(url, bucket string) (*NATSPresence, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("binding key/value bucket %q: %w", bucket, err)
	}

	return &NATSPresence{
		nc:   nc,
		kv:   kv,
		subs: make(map[string][]*natsSubscription),
	}, nil
}

// subjectFor maps a presence topic to a valid NATS subject token.
var subjectReplacer = strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_")

func subjectFor(topic string) string {
	return "arena.ps." + subjectReplacer.Replace(topic)
}

// keyFor maps a presence key to a valid KV bucket key. The prefix keeps the
// plain, hash, and set namespaces disjoint.
var keyReplacer = strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_")

func keyFor(prefix, key string) string {
	return prefix + "." + keyReplacer.Replace(key)
}

// Publish sends the JSON encoding of payload on the topic's subject.
func (p *NATSPresence) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for topic %q: %w", topic, err)
	}
	if err := p.nc.Publish(subjectFor(topic), data); err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic across the cluster.
func (p *NATSPresence) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	natsSub, err := p.nc.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", topic, err)
	}

	p.nextID++
	sub := &natsSubscription{p: p, topic: topic, id: p.nextID, sub: natsSub}
	p.subs[topic] = append(p.subs[topic], sub)
	return sub, nil
}

// Unsubscribe removes every local handler for topic.
func (p *NATSPresence) Unsubscribe(_ context.Context, topic string) error {
	p.mu.Lock()
	list := p.subs[topic]
	delete(p.subs, topic)
	p.mu.Unlock()

	var firstErr error
	for _, s := range list {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Exists reports whether topic has at least one local subscriber.
func (p *NATSPresence) Exists(_ context.Context, topic string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[topic]) > 0, nil
}

// kvEnvelope wraps a stored value with an optional expiry. The KV bucket has
// no per-key TTL, so expiry is enforced lazily at read time.
type kvEnvelope struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"` // unix nanos; 0 = never
}

func (e kvEnvelope) expired() bool {
	return e.ExpiresAt != 0 && time.Now().UnixNano() >= e.ExpiresAt
}

// Set stores value under key.
func (p *NATSPresence) Set(ctx context.Context, key, value string) error {
	return p.putEnvelope(key, kvEnvelope{Value: value})
}

// SetEx stores value under key with a time-to-live.
func (p *NATSPresence) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.putEnvelope(key, kvEnvelope{Value: value, ExpiresAt: time.Now().Add(ttl).UnixNano()})
}

func (p *NATSPresence) putEnvelope(key string, env kvEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding value for key %q: %w", key, err)
	}
	if _, err := p.kv.Put(keyFor("k", key), data); err != nil {
		return fmt.Errorf("storing key %q: %w", key, err)
	}
	return nil
}

// Get returns the value under key, honoring lazy expiry.
func (p *NATSPresence) Get(_ context.Context, key string) (string, bool, error) {
	entry, err := p.kv.Get(keyFor("k", key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading key %q: %w", key, err)
	}
	var env kvEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return "", false, fmt.Errorf("decoding key %q: %w", key, err)
	}
	if env.expired() {
		_ = p.kv.Delete(keyFor("k", key))
		return "", false, nil
	}
	return env.Value, true, nil
}

// Del removes key.
func (p *NATSPresence) Del(_ context.Context, key string) error {
	err := p.kv.Delete(keyFor("k", key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Incr atomically increments the integer under key via a CAS loop.
func (p *NATSPresence) Incr(ctx context.Context, key string) (int64, error) {
	return p.add(ctx, key, 1)
}

// Decr atomically decrements the integer under key via a CAS loop.
func (p *NATSPresence) Decr(ctx context.Context, key string) (int64, error) {
	return p.add(ctx, key, -1)
}

func (p *NATSPresence) add(ctx context.Context, key string, delta int64) (int64, error) {
	bucketKey := keyFor("k", key)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry, err := p.kv.Get(bucketKey)
		if errors.Is(err, nats.ErrKeyNotFound) {
			next := delta
			data, _ := json.Marshal(kvEnvelope{Value: strconv.FormatInt(next, 10)})
			if _, err := p.kv.Create(bucketKey, data); err == nil {
				return next, nil
			}
			// Lost the race to create; retry via update path.
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("reading counter %q: %w", key, err)
		}

		var env kvEnvelope
		if err := json.Unmarshal(entry.Value(), &env); err != nil {
			return 0, fmt.Errorf("decoding counter %q: %w", key, err)
		}
		var n int64
		if env.Value != "" {
			n, err = strconv.ParseInt(env.Value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("key %q holds non-integer value %q", key, env.Value)
			}
		}
		n += delta
		data, _ := json.Marshal(kvEnvelope{Value: strconv.FormatInt(n, 10)})
		if _, err := p.kv.Update(bucketKey, data, entry.Revision()); err == nil {
			return n, nil
		}
		// Revision conflict; retry.
	}
}

// mutateMap runs a CAS loop mutating the JSON map stored under bucketKey.
// mutate returns false to signal a no-op (the loop exits without writing).
func (p *NATSPresence) mutateMap(ctx context.Context, bucketKey string, mutate func(m map[string]string) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := p.kv.Get(bucketKey)
		if errors.Is(err, nats.ErrKeyNotFound) {
			m := make(map[string]string)
			if !mutate(m) {
				return nil
			}
			data, _ := json.Marshal(m)
			if _, err := p.kv.Create(bucketKey, data); err == nil {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %q: %w", bucketKey, err)
		}

		var m map[string]string
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			return fmt.Errorf("decoding %q: %w", bucketKey, err)
		}
		if m == nil {
			m = make(map[string]string)
		}
		if !mutate(m) {
			return nil
		}
		data, _ := json.Marshal(m)
		if _, err := p.kv.Update(bucketKey, data, entry.Revision()); err == nil {
			return nil
		}
	}
}

func (p *NATSPresence) readMap(bucketKey string) (map[string]string, error) {
	entry, err := p.kv.Get(bucketKey)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", bucketKey, err)
	}
	var m map[string]string
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", bucketKey, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// HSet stores field=value in the hash under key.
func (p *NATSPresence) HSet(ctx context.Context, key, field, value string) error {
	return p.mutateMap(ctx, keyFor("h", key), func(m map[string]string) bool {
		m[field] = value
		return true
	})
}

// HGet returns the value of field in the hash under key.
func (p *NATSPresence) HGet(_ context.Context, key, field string) (string, bool, error) {
	m, err := p.readMap(keyFor("h", key))
	if err != nil {
		return "", false, err
	}
	v, ok := m[field]
	return v, ok, nil
}

// HDel removes field from the hash under key.
func (p *NATSPresence) HDel(ctx context.Context, key, field string) error {
	return p.mutateMap(ctx, keyFor("h", key), func(m map[string]string) bool {
		if _, ok := m[field]; !ok {
			return false
		}
		delete(m, field)
		return true
	})
}

// HGetAll returns the full hash under key.
func (p *NATSPresence) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return p.readMap(keyFor("h", key))
}

// HLen returns the number of fields in the hash under key.
func (p *NATSPresence) HLen(_ context.Context, key string) (int, error) {
	m, err := p.readMap(keyFor("h", key))
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

// SAdd adds member to the set under key. Sets reuse the JSON map encoding
// with empty values.
func (p *NATSPresence) SAdd(ctx context.Context, key, member string) error {
	return p.mutateMap(ctx, keyFor("s", key), func(m map[string]string) bool {
		if _, ok := m[member]; ok {
			return false
		}
		m[member] = ""
		return true
	})
}

// SRem removes member from the set under key.
func (p *NATSPresence) SRem(ctx context.Context, key, member string) error {
	return p.mutateMap(ctx, keyFor("s", key), func(m map[string]string) bool {
		if _, ok := m[member]; !ok {
			return false
		}
		delete(m, member)
		return true
	})
}

// SMembers returns all members of the set under key.
func (p *NATSPresence) SMembers(_ context.Context, key string) ([]string, error) {
	m, err := p.readMap(keyFor("s", key))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for member := range m {
		out = append(out, member)
	}
	return out, nil
}

// SCard returns the cardinality of the set under key.
func (p *NATSPresence) SCard(_ context.Context, key string) (int, error) {
	m, err := p.readMap(keyFor("s", key))
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

// SIsMember reports whether member is in the set under key.
func (p *NATSPresence) SIsMember(_ context.Context, key, member string) (bool, error) {
	m, err := p.readMap(keyFor("s", key))
	if err != nil {
		return false, err
	}
	_, ok := m[member]
	return ok, nil
}

// SInter returns the intersection of the sets under keys.
func (p *NATSPresence) SInter(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	first, err := p.readMap(keyFor("s", keys[0]))
	if err != nil {
		return nil, err
	}
	var out []string
	for member := range first {
		inAll := true
		for _, k := range keys[1:] {
			ok, err := p.SIsMember(ctx, k, member)
			if err != nil {
				return nil, err
			}
			if !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, member)
		}
	}
	return out, nil
}

// Shutdown drains subscriptions and closes the NATS connection.
func (p *NATSPresence) Shutdown(_ context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []*natsSubscription
	for _, list := range p.subs {
		all = append(all, list...)
	}
	p.subs = make(map[string][]*natsSubscription)
	p.mu.Unlock()

	for _, s := range all {
		_ = s.sub.Unsubscribe()
	}
	p.nc.Close()
	return nil
}

var _ Presence = (*NATSPresence)(nil)
