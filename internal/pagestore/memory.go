package pagestore

import (
	"context"
	"sync"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
)

type memoryEntry struct {
	page      domain.ResetPage
	expiresAt time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-instance deployments.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	pages map[string]memoryEntry
	locks map[string]memoryLock
}

// NewMemoryStore creates an empty store. A non-positive ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		pages: make(map[string]memoryEntry),
		locks: make(map[string]memoryLock),
	}
}

func (s *MemoryStore) Create(ctx context.Context, page *domain.ResetPage) error {
	const op = "MemoryStore.Create"

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.pages[page.ID]; ok && s.now().Before(e.expiresAt) {
		return domain.Conflict(op, "Reset page already exists")
	}
	s.pages[page.ID] = memoryEntry{page: *page, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.ResetPage, error) {
	const op = "MemoryStore.Get"

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pages[id]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, notFound(op)
	}
	page := e.page
	return &page, nil
}

func (s *MemoryStore) Save(ctx context.Context, page *domain.ResetPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[page.ID] = memoryEntry{page: *page, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) TryLock(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.locks[id]; held && s.now().Before(l.expiresAt) {
		return "", false, nil
	}

	token, err := newLockToken()
	if err != nil {
		return "", false, err
	}
	s.locks[id] = memoryLock{token: token, expiresAt: s.now().Add(ttl)}
	return token, true, nil
}

func (s *MemoryStore) Unlock(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.locks[id]; held && l.token == token {
		delete(s.locks, id)
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.pages {
		if !now.Before(e.expiresAt) {
			delete(s.pages, id)
			removed++
		}
	}
	for id, l := range s.locks {
		if !now.Before(l.expiresAt) {
			delete(s.locks, id)
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
