package store

import (
	"context"
	"sync"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/google/uuid"
)

// MemorySessionStore keeps sessions in process memory. Used in development
// when no database is configured; sessions do not survive a restart.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session // keyed by token hash
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]domain.Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, session *domain.Session) error {
	const op = "MemorySessionStore.Create"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.TokenHash]; exists {
		return domain.Conflict(op, "Session already exists")
	}
	s.sessions[session.TokenHash] = *session
	return nil
}

func (s *MemorySessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	const op = "MemorySessionStore.GetByTokenHash"

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[tokenHash]
	if !ok || !time.Now().Before(session.ExpiresAt) {
		return nil, domain.NotFound(op, "Session not found")
	}
	return &session, nil
}

func (s *MemorySessionStore) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, tokenHash)
	return nil
}

func (s *MemorySessionStore) DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (s *MemorySessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	for hash, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, hash)
			n++
		}
	}
	return n, nil
}

var _ SessionStore = (*MemorySessionStore)(nil)
