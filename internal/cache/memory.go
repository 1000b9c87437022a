package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process TTL map. Expired entries are ignored on read and
// swept periodically.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
	cleaner *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewMemory starts a Memory backend sweeping expired entries every sweep interval.
func NewMemory(sweep time.Duration) *Memory {
	if sweep <= 0 {
		sweep = 10 * time.Second
	}
	m := &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
		cleaner: time.NewTicker(sweep),
		done:    make(chan struct{}),
	}
	go m.backgroundCleaner()
	return m
}

func (m *Memory) backgroundCleaner() {
	for {
		select {
		case <-m.cleaner.C:
			m.sweep()
		case <-m.done:
			m.cleaner.Stop()
			return
		}
	}
}

func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
