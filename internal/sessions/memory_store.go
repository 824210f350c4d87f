package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aura-live/backend/internal/models"
)

// MemoryStore is an in-memory Store. It is NOT persistent and is meant for local mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

// CodeExists reports whether a session with this code is stored.
func (m *MemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[code]
	return ok, nil
}

// Insert stores a new session. The stored copy is detached from s.
func (m *MemoryStore) Insert(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Code]; ok {
		return ErrCodeTaken
	}
	m.sessions[s.Code] = s.Clone()
	return nil
}

// Get returns a copy of the session with this code.
func (m *MemoryStore) Get(_ context.Context, code string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// UpdateActions swaps the action list when the stored version matches.
func (m *MemoryStore) UpdateActions(_ context.Context, code string, expectedVersion int64, actions []models.Action) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	s.Actions = models.CloneActions(actions)
	s.Version++
	return s.Clone(), nil
}

// MarkEnded sets ended_at once; later calls keep the first timestamp.
func (m *MemoryStore) MarkEnded(_ context.Context, code string, at time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.EndedAt == nil {
		t := at
		s.EndedAt = &t
		s.Version++
	}
	return s.Clone(), nil
}

// ListSweepable returns open sessions that have at least one action, oldest first.
func (m *MemoryStore) ListSweepable(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.EndedAt == nil && len(s.Actions) > 0 {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
