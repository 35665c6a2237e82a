package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps sessions in process memory only.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]*UserSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*UserSession)}
}

func (m *MemoryStore) Get(ctx context.Context, userID int64) (*UserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userID].Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, s *UserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*UserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*UserSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sortByUser(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortByUser(ss []*UserSession) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].UserID < ss[j].UserID })
}
