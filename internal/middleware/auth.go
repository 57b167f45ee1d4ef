// Package middleware contains HTTP middleware for the Stockpile application.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler
// and are composed with Stack.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/DukeRupert/stockpile/internal/auth"
	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/handler"
	"github.com/DukeRupert/stockpile/internal/session"
)

// SessionResolver looks up the user behind a session token.
type SessionResolver interface {
	GetBySessionToken(ctx context.Context, token string) (*domain.User, error)
}

// AuthMiddleware derives the per-request auth state and gates routes on it.
type AuthMiddleware struct {
	sessions SessionResolver
	logger   *slog.Logger
	isSecure bool // Secure flag on cookies (true in production)
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(sessions SessionResolver, logger *slog.Logger, isSecure bool) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		logger:   logger,
		isSecure: isSecure,
	}
}

// =============================================================================
// WithUser Middleware
// =============================================================================

// WithUser puts the request's auth state in the context.
//
// Every request starts as auth.Anonymous. A valid session cookie makes it
// authenticated; an invalid one is cleared. The next handler is always
// called.
func (m *AuthMiddleware) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := auth.Anonymous

		if token := session.Token(r); token != "" {
			user, err := m.sessions.GetBySessionToken(r.Context(), token)
			switch {
			case err == nil:
				state = auth.SignedIn(user)
			case domain.IsCode(err, domain.EUNAUTHORIZED):
				session.ClearCookie(w, m.isSecure)
			default:
				// Store failure: treat as signed out but keep the cookie
				m.logger.Error("failed to resolve session", "path", r.URL.Path, "error", err)
			}
		}

		next.ServeHTTP(w, r.WithContext(auth.WithState(r.Context(), state)))
	})
}

// =============================================================================
// Route gates
// =============================================================================

// RequireUser lets only authenticated requests through. HTML requests are
// redirected to /login with a return_to parameter; API requests get 401.
//
// Must run after WithUser.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FromContext(r.Context()).Authenticated {
			next.ServeHTTP(w, r)
			return
		}

		if isAPIRequest(r) {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		returnTo := r.URL.Path
		if r.URL.RawQuery != "" {
			returnTo += "?" + r.URL.RawQuery
		}
		target := "/login"
		if returnTo != "/" {
			target += "?return_to=" + url.QueryEscape(returnTo)
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	})
}

// RedirectIfAuthenticated sends signed-in users away from guest-only pages
// such as login, signup and the password reset pages.
//
// Must run after WithUser.
func (m *AuthMiddleware) RedirectIfAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FromContext(r.Context()).Authenticated {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Fallback handles unknown routes: signed-in users go home, everyone else
// to the login page.
func (m *AuthMiddleware) Fallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRequest(r) {
			handler.NotFoundResponse(w, r, m.logger)
			return
		}
		if auth.FromContext(r.Context()).Authenticated {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

// isAPIRequest reports whether the request expects a JSON response.
func isAPIRequest(r *http.Request) bool {
	if r.Header.Get("HX-Request") == "true" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Content-Type"), "application/json") ||
		strings.HasPrefix(r.URL.Path, "/api/")
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes middleware. The first middleware is the outermost.
//
//	stack := Stack(loggingMw, authMw.WithUser, authMw.RequireUser)
//	mux.Handle("GET /", stack(homeHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).WithUser
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireUser
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RedirectIfAuthenticated
)
