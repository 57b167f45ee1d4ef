// Package mock provides an in-memory identity provider for development and
// tests. It keeps a small user directory that stands in for the real
// provider's, with bcrypt-hashed passwords and single-use reset tokens.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// ResetTokenBytes is the number of random bytes in a reset token
	ResetTokenBytes = 32

	// ResetTokenTTL is how long an issued reset token stays usable
	ResetTokenTTL = 1 * time.Hour

	// AccessTokenTTL is how long sign-in and recovery sessions last
	AccessTokenTTL = 1 * time.Hour
)

// ResetMailer delivers reset links.
type ResetMailer interface {
	SendPasswordResetEmail(ctx context.Context, to, resetURL string) error
}

type user struct {
	id           uuid.UUID
	email        string
	passwordHash []byte
}

type resetGrant struct {
	email     string
	expiresAt time.Time
}

type accessGrant struct {
	email     string
	recovery  bool
	expiresAt time.Time
}

// Provider is a mock identity provider.
type Provider struct {
	logger *slog.Logger
	mailer ResetMailer
	cost   int

	mu        sync.Mutex
	users     map[string]*user
	resets    map[string]resetGrant
	sessions  map[string]accessGrant
	lastReset map[string]string

	// Configurable errors for testing
	IssueResetTokenError  error
	VerifyResetTokenError error
	UpdateCredentialError error
	SignUpError           error
	SignInError           error

	// Call tracking for testing
	IssueResetTokenCalls  int
	VerifyResetTokenCalls int
	UpdateCredentialCalls int
	SignUpCalls           int
	SignInCalls           int
	SignOutCalls          int
}

// Option configures a Provider.
type Option func(*Provider)

// WithMailer sends issued reset links through m.
func WithMailer(m ResetMailer) Option {
	return func(p *Provider) { p.mailer = m }
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(p *Provider) { p.cost = cost }
}

// New creates a new mock identity provider.
func New(logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		logger:    logger,
		cost:      bcrypt.DefaultCost,
		users:     make(map[string]*user),
		resets:    make(map[string]resetGrant),
		sessions:  make(map[string]accessGrant),
		lastReset: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IssueResetToken creates a reset token and mails the link. Unknown emails
// succeed silently, like the real provider.
func (p *Provider) IssueResetToken(ctx context.Context, email, redirectTo string) error {
	const op = "mock.IssueResetToken"

	p.mu.Lock()
	p.IssueResetTokenCalls++
	if p.IssueResetTokenError != nil {
		err := p.IssueResetTokenError
		p.mu.Unlock()
		return err
	}

	email = normalizeEmail(email)
	if _, ok := p.users[email]; !ok {
		p.mu.Unlock()
		p.logger.Debug("reset requested for unknown email", "op", op)
		return nil
	}

	token, err := randomToken()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.resets[token] = resetGrant{email: email, expiresAt: time.Now().Add(ResetTokenTTL)}
	p.lastReset[email] = token
	p.mu.Unlock()

	link := resetLink(redirectTo, token, email)
	p.logger.Info("reset token issued", "op", op, "email", email)

	if p.mailer != nil {
		if err := p.mailer.SendPasswordResetEmail(ctx, email, link); err != nil {
			return identity.ProviderError(op, &identity.APIError{
				Status:  http.StatusInternalServerError,
				Code:    "unexpected_failure",
				Message: "Error sending recovery email",
			})
		}
	}
	return nil
}

// VerifyResetToken consumes the reset token and returns a recovery session.
func (p *Provider) VerifyResetToken(ctx context.Context, token, email string) (*identity.Recovery, error) {
	const op = "mock.VerifyResetToken"

	p.mu.Lock()
	defer p.mu.Unlock()

	p.VerifyResetTokenCalls++
	if p.VerifyResetTokenError != nil {
		return nil, p.VerifyResetTokenError
	}

	u, err := p.lookupResetLocked(op, token, email)
	if err != nil {
		return nil, err
	}
	delete(p.resets, token)

	accessToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(AccessTokenTTL)
	p.sessions[accessToken] = accessGrant{email: u.email, recovery: true, expiresAt: expiresAt}

	return &identity.Recovery{
		AccessToken: accessToken,
		UserID:      u.id,
		Email:       u.email,
		ExpiresAt:   expiresAt,
	}, nil
}

// UpdateCredential sets the new password and ends the recovery session.
func (p *Provider) UpdateCredential(ctx context.Context, cred identity.Credential, newPassword string) error {
	const op = "mock.UpdateCredential"

	p.mu.Lock()
	defer p.mu.Unlock()

	p.UpdateCredentialCalls++
	if p.UpdateCredentialError != nil {
		return p.UpdateCredentialError
	}

	var u *user
	consumeToken := ""
	if cred.AccessToken != "" {
		grant, ok := p.sessions[cred.AccessToken]
		if !ok || !grant.recovery || time.Now().After(grant.expiresAt) {
			return identity.ProviderError(op, &identity.APIError{
				Status:  http.StatusUnauthorized,
				Code:    "session_not_found",
				Message: "Auth session missing!",
			})
		}
		u = p.users[grant.email]
	} else {
		var err error
		if u, err = p.lookupResetLocked(op, cred.Token, cred.Email); err != nil {
			return err
		}
		consumeToken = cred.Token
	}

	if len(newPassword) < 6 {
		return identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "weak_password",
			Message: "Password should be at least 6 characters.",
		})
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(newPassword)) == nil {
		return identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "same_password",
			Message: "New password should be different from the old password.",
		})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.cost)
	if err != nil {
		return err
	}
	u.passwordHash = hash
	delete(p.resets, consumeToken)

	// Existing sign-ins, the recovery session included, end with the password change
	for tok, grant := range p.sessions {
		if grant.email == u.email {
			delete(p.sessions, tok)
		}
	}

	p.logger.Info("password updated", "op", op, "user_id", u.id)
	return nil
}

// SignUp creates a user and signs it in.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*identity.Identity, error) {
	const op = "mock.SignUp"

	p.mu.Lock()
	defer p.mu.Unlock()

	p.SignUpCalls++
	if p.SignUpError != nil {
		return nil, p.SignUpError
	}

	email = normalizeEmail(email)
	if _, exists := p.users[email]; exists {
		return nil, identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    identity.CodeUserExists,
			Message: "User already registered",
		})
	}
	if len(password) < 6 {
		return nil, identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "weak_password",
			Message: "Password should be at least 6 characters.",
		})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, err
	}
	u := &user{id: uuid.New(), email: email, passwordHash: hash}
	p.users[email] = u

	return p.signInLocked(u)
}

// SignIn checks the password and issues an access token.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.Identity, error) {
	const op = "mock.SignIn"

	p.mu.Lock()
	defer p.mu.Unlock()

	p.SignInCalls++
	if p.SignInError != nil {
		return nil, p.SignInError
	}

	u, ok := p.users[normalizeEmail(email)]
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil, identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_credentials",
			Message: "Invalid login credentials",
		})
	}

	return p.signInLocked(u)
}

// SignOut revokes the access token. Unknown tokens are ignored.
func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SignOutCalls++
	delete(p.sessions, accessToken)
	return nil
}

// =============================================================================
// Test helpers
// =============================================================================

// Seed creates a user directly. Used for development data and tests.
func (p *Provider) Seed(email, password string) error {
	_, err := p.SignUp(context.Background(), email, password)
	p.mu.Lock()
	p.SignUpCalls--
	p.mu.Unlock()
	return err
}

// LastResetToken returns the most recent reset token issued for email.
func (p *Provider) LastResetToken(email string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReset[normalizeEmail(email)]
}

// CheckPassword reports whether password is the user's current password.
func (p *Provider) CheckPassword(email, password string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[normalizeEmail(email)]
	return ok && bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) == nil
}

// =============================================================================
// Internals
// =============================================================================

func (p *Provider) lookupResetLocked(op, token, email string) (*user, error) {
	grant, ok := p.resets[token]
	if !ok || time.Now().After(grant.expiresAt) || grant.email != normalizeEmail(email) {
		return nil, identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusForbidden,
			Code:    identity.CodeOTPExpired,
			Message: "Email link is invalid or has expired",
		})
	}
	return p.users[grant.email], nil
}

func (p *Provider) signInLocked(u *user) (*identity.Identity, error) {
	accessToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(AccessTokenTTL)
	p.sessions[accessToken] = accessGrant{email: u.email, expiresAt: expiresAt}

	return &identity.Identity{
		UserID:       u.id,
		Email:        u.email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, ResetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func resetLink(redirectTo, token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)

	sep := "?"
	if strings.Contains(redirectTo, "?") {
		sep = "&"
	}
	return redirectTo + sep + q.Encode()
}

// Compile-time check
var _ identity.Provider = (*Provider)(nil)
