// Package identity defines the contract with the external identity provider.
//
// The provider owns user accounts, credentials, and reset tokens. This
// application never stores passwords; it asks the provider to issue reset
// emails, to verify reset links, and to commit new credentials.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/google/uuid"
)

// Provider is the identity provider consumed by the auth and reset flows.
type Provider interface {
	// IssueResetToken asks the provider to email a reset link for the given
	// address. The link points at redirectTo with the reset token attached.
	IssueResetToken(ctx context.Context, email, redirectTo string) error

	// VerifyResetToken checks a reset link with the provider and returns the
	// short-lived recovery session it grants.
	VerifyResetToken(ctx context.Context, token, email string) (*Recovery, error)

	// UpdateCredential sets a new password for the account the credential
	// identifies. When cred.AccessToken is empty the reset token is verified
	// first. The recovery session is terminated afterwards.
	UpdateCredential(ctx context.Context, cred Credential, newPassword string) error

	// SignUp creates an account.
	SignUp(ctx context.Context, email, password string) (*Identity, error)

	// SignIn exchanges an email and password for provider tokens.
	SignIn(ctx context.Context, email, password string) (*Identity, error)

	// SignOut revokes the provider session behind accessToken.
	SignOut(ctx context.Context, accessToken string) error
}

// Credential identifies the account whose password is being reset.
type Credential struct {
	Token       string // Reset token from the emailed link
	Email       string // Email from the emailed link
	AccessToken string // Recovery session, if the link was already verified
}

// Recovery is the session the provider grants for a verified reset link.
type Recovery struct {
	AccessToken string
	UserID      uuid.UUID
	Email       string
	ExpiresAt   time.Time
}

// Identity is a signed-in (or freshly created) provider account.
type Identity struct {
	UserID       uuid.UUID
	Email        string
	AccessToken  string // Empty when signup awaits email confirmation
	RefreshToken string
	ExpiresAt    time.Time
}

// Config contains transport settings shared by provider clients.
type Config struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryWaitMin   time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// =============================================================================
// Errors
// =============================================================================

// APIError is an error response returned by the provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider error %d: %s", e.Status, e.Message)
}

// Provider error codes that need special handling.
const (
	CodeUserExists    = "user_already_exists"
	CodeEmailExists   = "email_exists"
	CodeOTPExpired    = "otp_expired"
	CodeEmailMismatch = "email_mismatch"
)

// ProviderError converts a provider error response into a domain error that
// carries the provider's message.
func ProviderError(op string, apiErr *APIError) *domain.Error {
	message := apiErr.Message
	if message == "" {
		message = http.StatusText(apiErr.Status)
	}

	code := domain.EINVALID
	switch {
	case apiErr.Code == CodeUserExists || apiErr.Code == CodeEmailExists:
		code = domain.ECONFLICT
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		code = domain.EUNAUTHORIZED
	case apiErr.Status == http.StatusNotFound:
		code = domain.ENOTFOUND
	case apiErr.Status == http.StatusConflict:
		code = domain.ECONFLICT
	case apiErr.Status == http.StatusGone:
		code = domain.EGONE
	case apiErr.Status == http.StatusTooManyRequests:
		code = domain.ERATELIMIT
	case apiErr.Status >= 500:
		code = domain.EUNAVAILABLE
	}

	return domain.Wrap(apiErr, code, op, message)
}

// Message returns the provider's own message for err, or "" if err did not
// come from a provider response.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}
