package worker

import (
	"context"
	"sync"
	"time"
)

// Inbox remembers messages a consumer group has already handled
type Inbox interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
}

// MemoryInbox is an Inbox for a single process
type MemoryInbox struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewMemoryInbox creates a new in-memory inbox
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		seen:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Seen implements Inbox
func (m *MemoryInbox) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.seen[key]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && m.clock().After(expires) {
		delete(m.seen, key)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements Inbox. A zero ttl never expires.
func (m *MemoryInbox) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = m.clock().Add(ttl)
	}
	if _, ok := m.seen[key]; !ok {
		m.seen[key] = expires
	}
	return nil
}

// Sweep forgets expired keys
func (m *MemoryInbox) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	n := 0
	for k, exp := range m.seen {
		if !exp.IsZero() && now.After(exp) {
			delete(m.seen, k)
			n++
		}
	}
	return n
}
