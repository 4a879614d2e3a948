package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu    sync.RWMutex
	notes map[string]Notification
	tz    map[string]string
}

func NewMemory() Store {
	return &memoryStore{notes: map[string]Notification{}, tz: map[string]string{}}
}

func (m *memoryStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	_ = ctx
	n, err := prepareNew(n)
	if err != nil {
		return Notification{}, err
	}
	n.Meta = cloneMeta(n.Meta)
	m.mu.Lock()
	m.notes[n.ID] = n
	m.mu.Unlock()
	return n, nil
}

func (m *memoryStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	n.Meta = cloneMeta(n.Meta)
	return n, nil
}

func (m *memoryStore) ListNotifications(ctx context.Context, f ListFilter) ([]Notification, error) {
	_ = ctx
	m.mu.RLock()
	out := make([]Notification, 0)
	for _, n := range m.notes {
		if f.UserID != "" && n.UserID != f.UserID {
			continue
		}
		if f.UnreadOnly && n.Read {
			continue
		}
		n.Meta = cloneMeta(n.Meta)
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryStore) MarkRead(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return ErrNotFound
	}
	n.Read = true
	m.notes[id] = n
	return nil
}

func (m *memoryStore) DeleteNotification(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[id]; !ok {
		return ErrNotFound
	}
	delete(m.notes, id)
	return nil
}

func (m *memoryStore) PruneRead(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, note := range m.notes {
		if note.Read && note.CreatedAt.Before(cutoff) {
			delete(m.notes, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) UserTimezone(ctx context.Context, userID string) (string, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	tz, ok := m.tz[userID]
	if !ok {
		return "", ErrNotFound
	}
	return tz, nil
}

func (m *memoryStore) SetUserTimezone(ctx context.Context, userID, tz string) error {
	_ = ctx
	m.mu.Lock()
	m.tz[userID] = tz
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return nil }

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
