package email

import (
	"context"
	"log/slog"
)

// LogEmailService writes emails to the log instead of sending them.
// Used in development when no SMTP relay is running.
type LogEmailService struct {
	logger *slog.Logger
}

// NewLogEmailService creates a new log-only email service.
func NewLogEmailService(logger *slog.Logger) *LogEmailService {
	return &LogEmailService{logger: logger}
}

// SendPasswordResetEmail logs the reset link.
func (s *LogEmailService) SendPasswordResetEmail(ctx context.Context, to, resetURL string) error {
	s.logger.Info("email not sent (log provider)",
		"to", to,
		"subject", PasswordResetSubject,
		"reset_url", resetURL,
	)
	return nil
}

var _ EmailService = (*LogEmailService)(nil)
