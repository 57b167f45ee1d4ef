// Package service contains the business logic layer.
//
// Services orchestrate interactions between stores, the identity provider,
// and domain logic. They are responsible for:
// - Input normalisation
// - Error translation (provider and database errors -> domain errors)
// - Session lifecycle
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/events"
	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/DukeRupert/stockpile/internal/metrics"
	"github.com/DukeRupert/stockpile/internal/store"
	"github.com/google/uuid"
)

// =============================================================================
// Configuration Constants
// =============================================================================

const (
	// SessionTokenBytes is the number of random bytes for session tokens.
	// The token is hex-encoded to 64 characters for the cookie.
	SessionTokenBytes = 32

	// DefaultSessionDuration is how long a session remains valid.
	DefaultSessionDuration = 7 * 24 * time.Hour

	// MinSessionDuration and MaxSessionDuration bound the configured duration.
	MinSessionDuration = 15 * time.Minute
	MaxSessionDuration = 30 * 24 * time.Hour
)

// User-facing messages.
const (
	MsgInvalidCredentials = "Invalid email or password"
	MsgUserExists         = "User already exists. Please sign in."
	MsgSignupFailed       = "Signup failed"
	MsgInvalidSession     = "Invalid or expired session"
)

// Auth event labels for metrics.
const (
	eventSignUp  = "signup"
	eventLogin   = "login"
	eventLogout  = "logout"
	eventSession = "session"
)

// =============================================================================
// Interface Definition
// =============================================================================

// AuthService defines sign-up, sign-in and session operations.
//
// Credentials are checked by the identity provider. The service only keeps
// local sessions that bind a browser cookie to a provider login.
type AuthService interface {
	// SignUp creates an account with the provider and signs it in.
	// Returns domain.ECONFLICT if the email is already registered.
	SignUp(ctx context.Context, params domain.SignupParams) (*domain.LoginResult, error)

	// Login authenticates with the provider and creates a session.
	// Returns domain.EUNAUTHORIZED for invalid credentials.
	Login(ctx context.Context, params domain.LoginParams) (*domain.LoginResult, error)

	// Logout ends a session by its raw token. Idempotent.
	Logout(ctx context.Context, token string) error

	// GetBySessionToken returns the user of an unexpired session.
	// Returns domain.EUNAUTHORIZED if the token is invalid or expired.
	GetBySessionToken(ctx context.Context, token string) (*domain.User, error)

	// EndUserSessions removes every local session of a user.
	EndUserSessions(ctx context.Context, userID uuid.UUID) error

	// DeleteExpiredSessions removes expired sessions and returns how many.
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// AuthServiceConfig holds tunables for the auth service.
type AuthServiceConfig struct {
	SessionDuration time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

type authService struct {
	provider  identity.Provider
	sessions  store.SessionStore
	publisher events.Publisher
	config    AuthServiceConfig
	logger    *slog.Logger
}

// NewAuthService creates a new AuthService instance.
func NewAuthService(provider identity.Provider, sessions store.SessionStore, publisher events.Publisher, config AuthServiceConfig, logger *slog.Logger) AuthService {
	config.SessionDuration = normalizeSessionDuration(config.SessionDuration)
	return &authService{
		provider:  provider,
		sessions:  sessions,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// normalizeSessionDuration applies the default and clamps to the allowed range.
func normalizeSessionDuration(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultSessionDuration
	case d < MinSessionDuration:
		return MinSessionDuration
	case d > MaxSessionDuration:
		return MaxSessionDuration
	}
	return d
}

// =============================================================================
// SignUp
// =============================================================================

func (s *authService) SignUp(ctx context.Context, params domain.SignupParams) (result *domain.LoginResult, err error) {
	const op = "AuthService.SignUp"
	defer func() { metrics.AuthEvent(eventSignUp, err) }()

	email := normalizeEmail(params.Email)
	if email == "" {
		return nil, domain.Invalid(op, "Email is required")
	}

	ident, err := s.provider.SignUp(ctx, email, params.Password)
	if err != nil {
		metrics.ProviderError(err)
		switch domain.ErrorCode(err) {
		case domain.ECONFLICT:
			return nil, domain.Wrap(err, domain.ECONFLICT, op, MsgUserExists)
		case domain.EINVALID:
			return nil, domain.Wrap(err, domain.EINVALID, op, providerMessage(err, MsgSignupFailed))
		case domain.EUNAVAILABLE:
			return nil, err
		}
		return nil, domain.Wrap(err, domain.EINVALID, op, MsgSignupFailed)
	}

	s.publish(ctx, events.New(events.UserSignedUp, ident.Email, ident.UserID.String()))
	s.logger.Info("user signed up", "op", op, "user_id", ident.UserID)

	// Accounts awaiting email confirmation have no session yet
	if ident.AccessToken == "" {
		return &domain.LoginResult{User: &domain.User{ID: ident.UserID, Email: ident.Email}}, nil
	}

	return s.createSession(ctx, op, ident, "", "")
}

// =============================================================================
// Login
// =============================================================================

func (s *authService) Login(ctx context.Context, params domain.LoginParams) (result *domain.LoginResult, err error) {
	const op = "AuthService.Login"
	defer func() { metrics.AuthEvent(eventLogin, err) }()

	email := normalizeEmail(params.Email)
	if email == "" || params.Password == "" {
		return nil, domain.Unauthorized(op, MsgInvalidCredentials)
	}

	ident, err := s.provider.SignIn(ctx, email, params.Password)
	if err != nil {
		metrics.ProviderError(err)
		if domain.IsCode(err, domain.EUNAVAILABLE) || domain.IsCode(err, domain.ERATELIMIT) {
			return nil, err
		}
		// Same message for unknown email and wrong password
		return nil, domain.Wrap(err, domain.EUNAUTHORIZED, op, MsgInvalidCredentials)
	}

	result, err = s.createSession(ctx, op, ident, params.IPAddress, params.UserAgent)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.New(events.UserSignedIn, ident.Email, ident.UserID.String()))
	s.logger.Info("user logged in", "op", op, "user_id", ident.UserID)
	return result, nil
}

func (s *authService) createSession(ctx context.Context, op string, ident *identity.Identity, ip, userAgent string) (*domain.LoginResult, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, domain.Internal(err, op, "Failed to generate session token")
	}

	now := time.Now()
	session := &domain.Session{
		ID:           uuid.New(),
		UserID:       ident.UserID,
		Email:        ident.Email,
		TokenHash:    hashSessionToken(token),
		AccessToken:  ident.AccessToken,
		RefreshToken: ident.RefreshToken,
		IPAddress:    ip,
		UserAgent:    userAgent,
		ExpiresAt:    now.Add(s.config.SessionDuration),
		CreatedAt:    now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	return &domain.LoginResult{User: session.User(), Token: token}, nil
}

// =============================================================================
// Logout
// =============================================================================

// Logout deletes the local session and signs out of the provider. Failures
// are logged, never returned: the cookie is cleared regardless.
func (s *authService) Logout(ctx context.Context, token string) error {
	const op = "AuthService.Logout"

	if !validTokenFormat(token) {
		return nil
	}
	tokenHash := hashSessionToken(token)

	session, err := s.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if !domain.IsCode(err, domain.ENOTFOUND) {
			s.logger.Warn("failed to load session", "op", op, "error", err)
		}
		return nil
	}

	if err := s.sessions.DeleteByTokenHash(ctx, tokenHash); err != nil {
		s.logger.Warn("failed to delete session", "op", op, "error", err)
	}

	err = s.provider.SignOut(ctx, session.AccessToken)
	metrics.AuthEvent(eventLogout, err)
	if err != nil {
		s.logger.Warn("provider sign out failed", "op", op, "user_id", session.UserID, "error", err)
	}

	s.publish(ctx, events.New(events.UserSignedOut, session.Email, session.UserID.String()))
	s.logger.Debug("session invalidated", "op", op, "user_id", session.UserID)
	return nil
}

// =============================================================================
// Session lookup
// =============================================================================

func (s *authService) GetBySessionToken(ctx context.Context, token string) (*domain.User, error) {
	const op = "AuthService.GetBySessionToken"

	if !validTokenFormat(token) {
		return nil, domain.Unauthorized(op, MsgInvalidSession)
	}

	session, err := s.sessions.GetByTokenHash(ctx, hashSessionToken(token))
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, domain.Unauthorized(op, MsgInvalidSession)
		}
		metrics.AuthEvent(eventSession, err)
		return nil, err
	}
	if session.IsExpired() {
		return nil, domain.Unauthorized(op, MsgInvalidSession)
	}

	return session.User(), nil
}

func (s *authService) EndUserSessions(ctx context.Context, userID uuid.UUID) error {
	const op = "AuthService.EndUserSessions"

	n, err := s.sessions.DeleteByUserID(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("user sessions ended", "op", op, "user_id", userID, "count", n)
	return nil
}

func (s *authService) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	const op = "AuthService.DeleteExpiredSessions"

	n, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("expired sessions cleaned up", "op", op, "count", n)
	return n, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func (s *authService) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

// generateSessionToken returns 32 random bytes, hex encoded.
func generateSessionToken() (string, error) {
	bytes := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashSessionToken returns the SHA-256 of a session token. Tokens are
// high-entropy, so a fast hash is enough.
func hashSessionToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func validTokenFormat(token string) bool {
	return len(token) == SessionTokenBytes*2
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func providerMessage(err error, fallback string) string {
	if msg := identity.Message(err); msg != "" {
		return msg
	}
	return fallback
}
