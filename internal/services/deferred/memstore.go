package deferred

import (
	"context"
	"sort"
	"sync"
	"time"

	"postbot/internal/storage"
)

// memStore backs the queue when persistent storage is disabled. Jobs
// are lost on restart, which the core contract allows.
type memStore struct {
	mu    sync.Mutex
	queue map[string]storage.QueuedPost
}

func newMemStore() *memStore {
	return &memStore{queue: make(map[string]storage.QueuedPost)}
}

func (m *memStore) SaveQueued(_ context.Context, p storage.QueuedPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.queue[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.queue[p.ID] = p
	return nil
}

func (m *memStore) ListQueued(_ context.Context, status string) ([]storage.QueuedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.QueuedPost
	for _, p := range m.queue {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) UpdateQueuedStatus(_ context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.queue[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = status
	p.Error = errMsg
	p.UpdatedAt = time.Now()
	m.queue[id] = p
	return nil
}

func (m *memStore) DeleteQueued(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.queue, id)
	return nil
}

func (m *memStore) ClearQueued(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.queue {
		if status == "" || p.Status == status {
			delete(m.queue, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }

func (m *memStore) Close() error { return nil }
