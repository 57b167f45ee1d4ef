// Package domain contains core business types shared across layers.
//
// This file defines the authenticated user and the local session that binds a
// browser cookie to an identity provider login. Users themselves live in the
// identity provider; nothing here is a user directory.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an account as reported by the identity provider.
type User struct {
	ID    uuid.UUID
	Email string
}

// DisplayName returns the local part of the user's email address.
func (u *User) DisplayName() string {
	if i := strings.IndexByte(u.Email, '@'); i > 0 {
		return u.Email[:i]
	}
	return u.Email
}

// Session represents an authenticated browser session.
//
// Sessions are stored with a hashed token. The raw token is only given to the
// client once (at login). AccessToken and RefreshToken are the provider's
// tokens for this login and never leave the server.
type Session struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Email        string
	TokenHash    string // SHA-256 hash of the session token
	AccessToken  string
	RefreshToken string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// User returns the user this session belongs to.
func (s *Session) User() *User {
	return &User{ID: s.UserID, Email: s.Email}
}

// SignupParams contains the parameters for creating an account.
type SignupParams struct {
	Email    string
	Password string
}

// LoginParams contains credentials plus request metadata recorded on the session.
type LoginParams struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult contains the result of a successful login.
type LoginResult struct {
	User  *User
	Token string // Raw session token (not hashed) - only returned once
}
