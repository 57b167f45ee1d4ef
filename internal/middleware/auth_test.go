package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/DukeRupert/stockpile/internal/auth"
	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/session"
	"github.com/google/uuid"
)

// =============================================================================
// Test doubles
// =============================================================================

type mockSessionResolver struct {
	GetBySessionTokenFunc func(ctx context.Context, token string) (*domain.User, error)
}

func (m *mockSessionResolver) GetBySessionToken(ctx context.Context, token string) (*domain.User, error) {
	if m.GetBySessionTokenFunc != nil {
		return m.GetBySessionTokenFunc(ctx, token)
	}
	return nil, errors.New("not implemented")
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestAuthMiddleware(mock *mockSessionResolver) *AuthMiddleware {
	return NewAuthMiddleware(mock, newTestLogger(), false)
}

func captureState(state *auth.State) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*state = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func withSessionCookie(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
	return req
}

// =============================================================================
// WithUser Middleware Tests
// =============================================================================

func TestWithUser_NoCookie_Anonymous(t *testing.T) {
	called := false
	mw := newTestAuthMiddleware(&mockSessionResolver{
		GetBySessionTokenFunc: func(ctx context.Context, token string) (*domain.User, error) {
			called = true
			return nil, nil
		},
	})

	state := auth.State{Authenticated: true}
	rec := httptest.NewRecorder()
	mw.WithUser(captureState(&state)).ServeHTTP(rec, httptest.NewRequest("GET", "/login", nil))

	if state != auth.Anonymous {
		t.Errorf("state = %+v, want anonymous", state)
	}
	if called {
		t.Error("session resolver should not be called without a cookie")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestWithUser_ValidCookie_Authenticated(t *testing.T) {
	expectedUser := &domain.User{ID: uuid.New(), Email: "test@example.com"}
	mw := newTestAuthMiddleware(&mockSessionResolver{
		GetBySessionTokenFunc: func(ctx context.Context, token string) (*domain.User, error) {
			if token != "valid-token-123" {
				t.Errorf("GetBySessionToken called with token = %q, want %q", token, "valid-token-123")
			}
			return expectedUser, nil
		},
	})

	var state auth.State
	req := withSessionCookie(httptest.NewRequest("GET", "/", nil), "valid-token-123")
	mw.WithUser(captureState(&state)).ServeHTTP(httptest.NewRecorder(), req)

	if !state.Authenticated {
		t.Fatal("expected authenticated state")
	}
	if state.User.ID != expectedUser.ID {
		t.Errorf("user.ID = %v, want %v", state.User.ID, expectedUser.ID)
	}
}

func TestWithUser_InvalidCookie_ClearsAndContinues(t *testing.T) {
	mw := newTestAuthMiddleware(&mockSessionResolver{
		GetBySessionTokenFunc: func(ctx context.Context, token string) (*domain.User, error) {
			return nil, domain.Unauthorized("test", "invalid session")
		},
	})

	var state auth.State
	rec := httptest.NewRecorder()
	req := withSessionCookie(httptest.NewRequest("GET", "/login", nil), "invalid-token")
	mw.WithUser(captureState(&state)).ServeHTTP(rec, req)

	if state.Authenticated {
		t.Error("expected anonymous state")
	}

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected session cookie to be cleared")
	}
}

func TestWithUser_StoreFailure_KeepsCookie(t *testing.T) {
	mw := newTestAuthMiddleware(&mockSessionResolver{
		GetBySessionTokenFunc: func(ctx context.Context, token string) (*domain.User, error) {
			return nil, domain.Internal(errors.New("db down"), "test", "Failed to retrieve session")
		},
	})

	var state auth.State
	rec := httptest.NewRecorder()
	req := withSessionCookie(httptest.NewRequest("GET", "/", nil), "some-token")
	mw.WithUser(captureState(&state)).ServeHTTP(rec, req)

	if state.Authenticated {
		t.Error("expected anonymous state")
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("cookie should be kept when the store fails")
	}
}

// =============================================================================
// Route gate tests
// =============================================================================

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func signedIn(req *http.Request) *http.Request {
	user := &domain.User{ID: uuid.New(), Email: "test@example.com"}
	return req.WithContext(auth.SetUser(req.Context(), user))
}

func TestRequireUser(t *testing.T) {
	mw := newTestAuthMiddleware(&mockSessionResolver{})

	tests := []struct {
		name         string
		req          *http.Request
		wantStatus   int
		wantLocation string
	}{
		{
			name:       "authenticated passes",
			req:        signedIn(httptest.NewRequest("GET", "/", nil)),
			wantStatus: http.StatusOK,
		},
		{
			name:         "anonymous home redirects to login",
			req:          httptest.NewRequest("GET", "/", nil),
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/login",
		},
		{
			name:         "anonymous deep link keeps return_to",
			req:          httptest.NewRequest("GET", "/assets?page=2", nil),
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/login?return_to=%2Fassets%3Fpage%3D2",
		},
		{
			name: "anonymous API request gets 401",
			req: func() *http.Request {
				r := httptest.NewRequest("GET", "/api/me", nil)
				r.Header.Set("Accept", "application/json")
				return r
			}(),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mw.RequireUser(okHandler()).ServeHTTP(rec, tt.req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantLocation != "" && rec.Header().Get("Location") != tt.wantLocation {
				t.Errorf("Location = %q, want %q", rec.Header().Get("Location"), tt.wantLocation)
			}
		})
	}
}

func TestRedirectIfAuthenticated(t *testing.T) {
	mw := newTestAuthMiddleware(&mockSessionResolver{})
	h := mw.RedirectIfAuthenticated(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedIn(httptest.NewRequest("GET", "/reset-password", nil)))
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Errorf("authenticated: status = %d, location = %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/reset-password", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("anonymous: status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestFallback(t *testing.T) {
	mw := newTestAuthMiddleware(&mockSessionResolver{})

	rec := httptest.NewRecorder()
	mw.Fallback().ServeHTTP(rec, httptest.NewRequest("GET", "/nowhere", nil))
	if rec.Header().Get("Location") != "/login" {
		t.Errorf("anonymous Location = %q, want /login", rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	mw.Fallback().ServeHTTP(rec, signedIn(httptest.NewRequest("GET", "/nowhere", nil)))
	if rec.Header().Get("Location") != "/" {
		t.Errorf("authenticated Location = %q, want /", rec.Header().Get("Location"))
	}
}

func TestStack_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Stack(mark("a"), mark("b"), mark("c"))(okHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := strings.Join(order, ","); got != "a,b,c" {
		t.Errorf("order = %s, want a,b,c", got)
	}
}
