package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/events"
	"github.com/DukeRupert/stockpile/internal/identity/mock"
	"github.com/DukeRupert/stockpile/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingPublisher struct {
	types []string
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.types = append(p.types, event.Type)
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	svc       AuthService
	provider  *mock.Provider
	sessions  *store.MemorySessionStore
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	provider := mock.New(newTestLogger(), mock.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, provider.Seed("jane@example.com", "password1"))

	sessions := store.NewMemorySessionStore()
	pub := &recordingPublisher{}
	return &testEnv{
		svc:       NewAuthService(provider, sessions, pub, AuthServiceConfig{}, newTestLogger()),
		provider:  provider,
		sessions:  sessions,
		publisher: pub,
	}
}

// =============================================================================
// Session Duration Configuration Tests
// =============================================================================

func TestNormalizeSessionDuration(t *testing.T) {
	testCases := []struct {
		name  string
		input time.Duration
		want  time.Duration
	}{
		{"zero uses default", 0, DefaultSessionDuration},
		{"below minimum uses minimum", 5 * time.Minute, MinSessionDuration},
		{"at minimum uses input", 15 * time.Minute, 15 * time.Minute},
		{"in range uses input", 12 * time.Hour, 12 * time.Hour},
		{"above maximum uses maximum", 60 * 24 * time.Hour, MaxSessionDuration},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeSessionDuration(tc.input); got != tc.want {
				t.Errorf("normalizeSessionDuration(%v) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

// =============================================================================
// Login / Logout
// =============================================================================

func TestLogin_CreatesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.Login(ctx, domain.LoginParams{
		Email:     " Jane@Example.com ",
		Password:  "password1",
		IPAddress: "203.0.113.7",
		UserAgent: "test",
	})
	require.NoError(t, err)

	assert.Len(t, result.Token, 64)
	assert.Equal(t, "jane@example.com", result.User.Email)

	session, err := env.sessions.GetByTokenHash(ctx, hashSessionToken(result.Token))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", session.IPAddress)
	assert.NotEmpty(t, session.AccessToken)
	assert.WithinDuration(t, time.Now().Add(DefaultSessionDuration), session.ExpiresAt, time.Minute)

	user, err := env.svc.GetBySessionToken(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, user.ID)

	assert.Equal(t, []string{events.UserSignedIn}, env.publisher.types)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	testCases := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "jane@example.com", "wrong"},
		{"unknown email", "nobody@example.com", "password1"},
		{"empty password", "jane@example.com", ""},
		{"empty email", "", "password1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)

			_, err := env.svc.Login(context.Background(), domain.LoginParams{Email: tc.email, Password: tc.password})

			require.Error(t, err)
			assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
			assert.Equal(t, MsgInvalidCredentials, domain.ErrorMessage(err))
		})
	}
}

func TestLogin_ProviderUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.provider.SignInError = domain.Unavailable(errors.New("connection refused"), "test")

	_, err := env.svc.Login(context.Background(), domain.LoginParams{Email: "jane@example.com", Password: "password1"})

	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.Login(ctx, domain.LoginParams{Email: "jane@example.com", Password: "password1"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, result.Token))

	_, err = env.svc.GetBySessionToken(ctx, result.Token)
	require.Error(t, err)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
	assert.Equal(t, 1, env.provider.SignOutCalls)

	// Idempotent
	require.NoError(t, env.svc.Logout(ctx, result.Token))
	require.NoError(t, env.svc.Logout(ctx, ""))
	require.NoError(t, env.svc.Logout(ctx, "short"))
	assert.Equal(t, 1, env.provider.SignOutCalls)
}

func TestGetBySessionToken_Rejects(t *testing.T) {
	env := newTestEnv(t)

	testCases := []string{"", "abc", strings.Repeat("a", 64), strings.Repeat("a", 100)}
	for _, token := range testCases {
		_, err := env.svc.GetBySessionToken(context.Background(), token)
		require.Error(t, err)
		assert.Equal(t, MsgInvalidSession, domain.ErrorMessage(err))
	}
}

func TestGetBySessionToken_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token := strings.Repeat("b", 64)
	require.NoError(t, env.sessions.Create(ctx, &domain.Session{
		TokenHash: hashSessionToken(token),
		Email:     "jane@example.com",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := env.svc.GetBySessionToken(ctx, token)
	require.Error(t, err)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))

	n, err := env.svc.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEndUserSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Login(ctx, domain.LoginParams{Email: "jane@example.com", Password: "password1"})
	require.NoError(t, err)
	second, err := env.svc.Login(ctx, domain.LoginParams{Email: "jane@example.com", Password: "password1"})
	require.NoError(t, err)

	require.NoError(t, env.svc.EndUserSessions(ctx, first.User.ID))

	for _, token := range []string{first.Token, second.Token} {
		_, err := env.svc.GetBySessionToken(ctx, token)
		assert.Error(t, err)
	}
}

// =============================================================================
// SignUp
// =============================================================================

func TestSignUp(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.svc.SignUp(context.Background(), domain.SignupParams{Email: "Sam@Example.com", Password: "secret1"})
	require.NoError(t, err)

	assert.Equal(t, "sam@example.com", result.User.Email)
	assert.Len(t, result.Token, 64)
	assert.Equal(t, []string{events.UserSignedUp}, env.publisher.types)
}

func TestSignUp_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		email    string
		password string
		wantCode string
		wantMsg  string
	}{
		{"existing user", "jane@example.com", "secret1", domain.ECONFLICT, MsgUserExists},
		{"weak password shows provider message", "sam@example.com", "abc", domain.EINVALID, "Password should be at least 6 characters."},
		{"missing email", "  ", "secret1", domain.EINVALID, "Email is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)

			_, err := env.svc.SignUp(context.Background(), domain.SignupParams{Email: tc.email, Password: tc.password})

			require.Error(t, err)
			assert.Equal(t, tc.wantCode, domain.ErrorCode(err))
			assert.Equal(t, tc.wantMsg, domain.ErrorMessage(err))
		})
	}
}

func TestSignUp_UnexpectedError(t *testing.T) {
	env := newTestEnv(t)
	env.provider.SignUpError = errors.New("boom")

	_, err := env.svc.SignUp(context.Background(), domain.SignupParams{Email: "sam@example.com", Password: "secret1"})

	require.Error(t, err)
	assert.Equal(t, MsgSignupFailed, domain.ErrorMessage(err))
}
