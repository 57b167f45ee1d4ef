// Package email delivers transactional email for Stockpile.
//
// The only message the application sends itself is the password reset link
// used by the development identity provider. In production the identity
// provider mails its own links and this package is idle.
package email

import (
	"context"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EmailService defines the interface for sending transactional emails.
//
// Implementations:
// - SMTPEmailService: SMTP relay (Mailhog in development)
// - LogEmailService: writes the message to the log instead of sending it
type EmailService interface {
	// SendPasswordResetEmail sends a password reset link.
	// Parameters:
	// - to: Recipient email address
	// - resetURL: Complete link including the token and email query parameters
	SendPasswordResetEmail(ctx context.Context, to, resetURL string) error
}

// Email represents a single email message.
type Email struct {
	To       string // Recipient email address
	Subject  string // Email subject line
	HTMLBody string // HTML content of the email
	TextBody string // Plain text fallback content
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string // SMTP server hostname (e.g., "localhost" for Mailhog)
	Port     int    // SMTP server port (e.g., 1025 for Mailhog)
	Username string // SMTP authentication username (empty for Mailhog)
	Password string // SMTP authentication password (empty for Mailhog)
	From     string // Default sender email address
	FromName string // Default sender display name
}

const (
	// DefaultFromEmail is the default sender email for transactional emails.
	DefaultFromEmail = "noreply@stockpile.local"

	// DefaultFromName is the default sender display name.
	DefaultFromName = "Stockpile"

	// PasswordResetSubject is the subject line of reset emails.
	PasswordResetSubject = "Password Reset Request"
)
