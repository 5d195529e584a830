package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// maxEventsPerUser bounds per-user history in memory. Oldest events are
// evicted first; feature extraction only looks at recent windows anyway.
const maxEventsPerUser = 1000

// MemoryStore is an in-memory event store for demo/development mode.
type MemoryStore struct {
	byUser map[string][]*UserEvent
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser: make(map[string][]*UserEvent),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, ev *UserEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	list := append(m.byUser[ev.UserID], &cp)
	if len(list) > maxEventsPerUser {
		list = list[len(list)-maxEventsPerUser:]
	}
	m.byUser[ev.UserID] = list
	return nil
}

func (m *MemoryStore) RecentByUser(ctx context.Context, userID string, since time.Time) ([]*UserEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UserEvent
	for _, ev := range m.byUser[userID] {
		if !ev.Timestamp.Before(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	// Events usually arrive in order but clients can replay; sort to keep
	// the oldest-first contract.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) CountByUser(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]), nil
}
