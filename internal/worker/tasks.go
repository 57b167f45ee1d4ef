package worker

import (
	"context"

	"github.com/DukeRupert/stockpile/internal/pagestore"
	"github.com/DukeRupert/stockpile/internal/service"
)

// Task names.
const (
	TaskExpiredSessions = "expired_sessions"
	TaskExpiredPages    = "expired_reset_pages"
)

// SessionCleanup removes expired local sessions.
func SessionCleanup(auth service.AuthService) Task {
	return TaskFunc{
		TaskName: TaskExpiredSessions,
		Fn:       auth.DeleteExpiredSessions,
	}
}

// PageCleanup removes reset pages that outlived their TTL.
func PageCleanup(pages pagestore.Store) Task {
	return TaskFunc{
		TaskName: TaskExpiredPages,
		Fn: func(ctx context.Context) (int64, error) {
			n, err := pages.DeleteExpired(ctx)
			return int64(n), err
		},
	}
}
