// Package events publishes auth lifecycle events for other services.
//
// Events are fire-and-forget notifications. A failed publish is logged by the
// caller and never changes the outcome of the user's request.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/stockpile/internal/requestid"
)

// Event types, also used as routing keys.
const (
	PasswordResetRequested = "password_reset.requested"
	PasswordResetCompleted = "password_reset.completed"
	UserSignedUp           = "user.signed_up"
	UserSignedIn           = "user.signed_in"
	UserSignedOut          = "user.signed_out"
)

// Exchange is the topic exchange auth events are published to.
const Exchange = "auth.events"

// Event is a single auth lifecycle notification.
type Event struct {
	Type       string    `json:"type"`
	Email      string    `json:"email,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New creates an event of the given type stamped with the current time.
func New(eventType, email, userID string) Event {
	return Event{
		Type:       eventType,
		Email:      email,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a new log-only publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Info("auth event",
		"type", event.Type,
		"user_id", event.UserID,
		"request_id", requestid.FromContext(ctx),
	)
	return nil
}

var _ Publisher = (*LogPublisher)(nil)
