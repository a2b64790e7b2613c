package backend

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Backend used by tests and single-node demos.
// Counters, hashes, and pub/sub channels live in maps guarded by one mutex;
// TTL expiry is checked lazily on read against an injectable clock.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	hashes   map[string]memEntry
	subs     map[string][]*memSub
	closed   bool

	// Now is the clock used for TTL checks. Defaults to time.Now.
	Now func() time.Time
}

type memEntry struct {
	fields    Fields
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]int64),
		hashes:   make(map[string]memEntry),
		subs:     make(map[string][]*memSub),
		Now:      time.Now,
	}
}

func (m *Memory) CounterInit(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[key]; !ok {
		m.counters[key] = 0
	}
	return nil
}

func (m *Memory) CounterIncr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) CounterGet(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.counters[key]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (m *Memory) CounterDelete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

func (m *Memory) HashPut(ctx context.Context, key string, f Fields, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[key] = memEntry{fields: f, expiresAt: m.Now().Add(ttl)}
	return nil
}

func (m *Memory) HashGet(ctx context.Context, key string) (Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hashes[key]
	if !ok || m.Now().After(e.expiresAt) {
		delete(m.hashes, key)
		return Fields{}, ErrNotFound
	}
	return e.fields, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, seq int64) error {
	m.mu.Lock()
	subs := append([]*memSub(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, s := range subs {
		s.deliver(seq)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s := &memSub{
		parent:  m,
		channel: channel,
		ch:      make(chan int64, 64),
	}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], s)
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.counters {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k, e := range m.hashes {
		if strings.HasPrefix(k, prefix) && !m.Now().After(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// SubscriberCount reports the live subscriptions on a channel. Tests use
// it to wait for a listener to attach before publishing.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memSub struct {
	parent  *Memory
	channel string
	ch      chan int64
	once    sync.Once
}

func (s *memSub) deliver(seq int64) {
	defer func() {
		// The channel may be closed concurrently by Unsubscribe; a
		// dropped notification matches the best-effort contract.
		_ = recover()
	}()
	select {
	case s.ch <- seq:
	default:
	}
}

func (s *memSub) Seqs() <-chan int64 { return s.ch }

func (s *memSub) Err() error { return nil }

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		m := s.parent
		m.mu.Lock()
		subs := m.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				m.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(s.ch)
	})
	return nil
}
