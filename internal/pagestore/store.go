// Package pagestore keeps the state of reset-password page instances between
// requests, and the busy lock that serialises provider calls per page.
package pagestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
)

// DefaultTTL is how long an untouched page is kept.
const DefaultTTL = 1 * time.Hour

// Store persists reset pages.
//
// Pages are owned by exactly one browser page and never shared, so Save is a
// plain overwrite. Concurrent submissions from the same page are excluded by
// TryLock, not by the store.
type Store interface {
	// Create stores a new page. It fails with ECONFLICT if the ID is taken.
	Create(ctx context.Context, page *domain.ResetPage) error

	// Get loads a page. It fails with ENOTFOUND for unknown or expired IDs.
	Get(ctx context.Context, id string) (*domain.ResetPage, error)

	// Save overwrites a page and refreshes its TTL.
	Save(ctx context.Context, page *domain.ResetPage) error

	// TryLock takes the page's busy lock for at most ttl. ok is false if the
	// lock is already held. The returned token is needed to unlock.
	TryLock(ctx context.Context, id string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases the busy lock if token still owns it.
	Unlock(ctx context.Context, id, token string) error

	// DeleteExpired removes pages past their TTL and returns how many.
	DeleteExpired(ctx context.Context) (int, error)
}

// NewID returns a random page ID.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newLockToken() (string, error) {
	return NewID()
}

func notFound(op string) *domain.Error {
	return domain.NotFound(op, "Reset page not found")
}
