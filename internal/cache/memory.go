package cache

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Cache with the same atomicity guarantees as
// the Redis implementation. It backs tests and single-node runs where
// no Redis is configured.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memEntry
	sets    map[string]memSet
	subs    map[string][]*memSub
	stop    chan struct{}
	stopped bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type memSub struct {
	ch   chan []byte
	done chan struct{}
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (s memSet) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// NewMemory returns a running in-process cache. Close stops the sweep
// goroutine.
func NewMemory() *Memory {
	m := &Memory{
		values: make(map[string]memEntry),
		sets:   make(map[string]memSet),
		subs:   make(map[string][]*memSub),
		stop:   make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.values {
				if e.expired(now) {
					delete(m.values, k)
				}
			}
			for k, s := range m.sets {
				if s.expired(now) {
					delete(m.sets, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok || e.expired(time.Now()) {
		delete(m.values, key)
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	e, ok := m.values[key]
	if !ok || e.expired(now) {
		m.values[key] = memEntry{value: []byte("1"), expiresAt: expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.values[key] = e
	return n, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if ok && e.expired(time.Now()) {
		ok = false
		delete(m.values, key)
	}
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(e.value, old) {
			return false, nil
		}
	}
	m.values[key] = memEntry{value: append([]byte(nil), next...), expiresAt: expiry(ttl)}
	return true, nil
}

func (m *Memory) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || s.expired(time.Now()) {
		s = memSet{members: make(map[string]struct{})}
	}
	for _, mem := range members {
		s.members[mem] = struct{}{}
	}
	if ttl > 0 {
		s.expiresAt = expiry(ttl)
	}
	m.sets[key] = s
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s.members, mem)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || s.expired(time.Now()) {
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for mem := range s.members {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || s.expired(time.Now()) {
		return 0, nil
	}
	return int64(len(s.members)), nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for k := range m.values {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.values, k)
			removed++
		}
	}
	for k := range m.sets {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.sets, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memSub(nil), m.subs[topic]...)
	m.mu.Unlock()
	msg := append([]byte(nil), payload...)
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
	}
	return nil
}

// Subscribe delivers each subscription's messages from a dedicated
// goroutine in publish order.
func (m *Memory) Subscribe(_ context.Context, topic string, handler func(payload []byte)) (func(), error) {
	sub := &memSub{ch: make(chan []byte, 256), done: make(chan struct{})}
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				handler(msg)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			close(sub.done)
			m.mu.Lock()
			list := m.subs[topic]
			for i, s := range list {
				if s == sub {
					m.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
		})
	}
	return unsub, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
