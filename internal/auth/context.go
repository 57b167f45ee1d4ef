// Package auth carries the per-request authentication state.
//
// The state is an explicit value placed in the request context by the auth
// middleware. A request starts unauthenticated; only a valid session cookie
// makes it authenticated, and logout clears it again. This package is
// imported by both middleware and handler packages without causing cycles.
package auth

import (
	"context"
	"net/http"

	"github.com/DukeRupert/stockpile/internal/domain"
)

type contextKey string

const stateContextKey contextKey = "auth_state"

// State is the authentication state of one request.
type State struct {
	User          *domain.User
	Authenticated bool
}

// Anonymous is the initial state of every request.
var Anonymous = State{}

// SignedIn returns the state of a request with a valid session.
func SignedIn(user *domain.User) State {
	if user == nil {
		return Anonymous
	}
	return State{User: user, Authenticated: true}
}

// FromContext returns the request's auth state, Anonymous if none was set.
func FromContext(ctx context.Context) State {
	state, ok := ctx.Value(stateContextKey).(State)
	if !ok {
		return Anonymous
	}
	return state
}

// WithState stores the auth state in the context.
func WithState(ctx context.Context, state State) context.Context {
	return context.WithValue(ctx, stateContextKey, state)
}

// GetUser returns the authenticated user, or nil.
//
//	user := auth.GetUser(r.Context())
//	if user == nil {
//	    // Handle unauthenticated request
//	}
func GetUser(ctx context.Context) *domain.User {
	return FromContext(ctx).User
}

// GetUserFromRequest is GetUser on the request's context.
func GetUserFromRequest(r *http.Request) *domain.User {
	return GetUser(r.Context())
}

// SetUser marks the context as authenticated by user.
func SetUser(ctx context.Context, user *domain.User) context.Context {
	return WithState(ctx, SignedIn(user))
}

// Clear resets the context to the unauthenticated state.
func Clear(ctx context.Context) context.Context {
	return WithState(ctx, Anonymous)
}
