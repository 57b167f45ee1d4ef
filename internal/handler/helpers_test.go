package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/DukeRupert/stockpile/web"
	"github.com/google/uuid"
)

// newTestLogger creates a logger that only shows errors.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererConfig{FS: web.Templates(), Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return r
}

func postForm(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var pageIDPattern = regexp.MustCompile(`name="page_id" value="([0-9a-f]+)"`)

func pageIDFrom(t *testing.T, body string) string {
	t.Helper()
	m := pageIDPattern.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no page_id in body:\n%s", body)
	}
	return m[1]
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// =============================================================================
// Stub identity provider
// =============================================================================

type stubProvider struct {
	mu sync.Mutex

	IssueResetTokenFunc  func(ctx context.Context, email, redirectTo string) error
	UpdateCredentialFunc func(ctx context.Context, cred identity.Credential, newPassword string) error

	issueCalls   int
	verifyCalls  int
	updateCalls  int
	lastRedirect string
	lastCred     identity.Credential
}

func (p *stubProvider) IssueResetToken(ctx context.Context, email, redirectTo string) error {
	p.mu.Lock()
	p.issueCalls++
	p.lastRedirect = redirectTo
	fn := p.IssueResetTokenFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, email, redirectTo)
	}
	return nil
}

func (p *stubProvider) VerifyResetToken(ctx context.Context, token, email string) (*identity.Recovery, error) {
	p.mu.Lock()
	p.verifyCalls++
	p.mu.Unlock()
	return &identity.Recovery{AccessToken: "recovery", Email: email}, nil
}

func (p *stubProvider) UpdateCredential(ctx context.Context, cred identity.Credential, newPassword string) error {
	p.mu.Lock()
	p.updateCalls++
	p.lastCred = cred
	fn := p.UpdateCredentialFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, cred, newPassword)
	}
	return nil
}

func (p *stubProvider) SignUp(ctx context.Context, email, password string) (*identity.Identity, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) SignIn(ctx context.Context, email, password string) (*identity.Identity, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) SignOut(ctx context.Context, accessToken string) error {
	return nil
}

func (p *stubProvider) counts() (issue, verify, update int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issueCalls, p.verifyCalls, p.updateCalls
}

// =============================================================================
// Mock AuthService
// =============================================================================

type mockAuthService struct {
	SignUpFunc            func(ctx context.Context, params domain.SignupParams) (*domain.LoginResult, error)
	LoginFunc             func(ctx context.Context, params domain.LoginParams) (*domain.LoginResult, error)
	LogoutFunc            func(ctx context.Context, token string) error
	GetBySessionTokenFunc func(ctx context.Context, token string) (*domain.User, error)
}

func (m *mockAuthService) SignUp(ctx context.Context, params domain.SignupParams) (*domain.LoginResult, error) {
	if m.SignUpFunc != nil {
		return m.SignUpFunc(ctx, params)
	}
	return nil, errors.New("SignUpFunc not implemented")
}

func (m *mockAuthService) Login(ctx context.Context, params domain.LoginParams) (*domain.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, params)
	}
	return nil, errors.New("LoginFunc not implemented")
}

func (m *mockAuthService) Logout(ctx context.Context, token string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, token)
	}
	return nil
}

func (m *mockAuthService) GetBySessionToken(ctx context.Context, token string) (*domain.User, error) {
	if m.GetBySessionTokenFunc != nil {
		return m.GetBySessionTokenFunc(ctx, token)
	}
	return nil, errors.New("GetBySessionTokenFunc not implemented")
}

func (m *mockAuthService) EndUserSessions(ctx context.Context, userID uuid.UUID) error {
	return nil
}

func (m *mockAuthService) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return 0, nil
}
