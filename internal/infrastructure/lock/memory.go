// Package lock provides item leases so that concurrent cycles never
// process the same item at once.
package lock

import (
	"context"
	"sync"
	"time"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

// MemoryLocker leases items within a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[domain.ItemKey]time.Time
	now    func() time.Time
}

var _ ports.ItemLocker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[domain.ItemKey]time.Time), now: time.Now}
}

// TryLock grants the lease unless an unexpired one is held.
func (m *MemoryLocker) TryLock(_ context.Context, key domain.ItemKey, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.leases[key]; ok && now.Before(until) {
		return false, nil
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, key domain.ItemKey) error {
	m.mu.Lock()
	delete(m.leases, key)
	m.mu.Unlock()
	return nil
}
