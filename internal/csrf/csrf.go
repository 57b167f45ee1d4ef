// Package csrf provides CSRF protection using the double-submit cookie pattern.
//
// A random token is set in a cookie and repeated in every form as a hidden
// field. On POST the two must match. A cross-site attacker can make the
// browser send the cookie but cannot read it to fill in the form field.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
)

const (
	// CookieName is the name of the CSRF token cookie.
	CookieName = "stockpile_csrf"

	// FormFieldName is the name of the CSRF token form field.
	FormFieldName = "csrf_token"

	// TokenLength is the number of random bytes in a token.
	TokenLength = 32

	// CookieMaxAge is the lifetime of the CSRF cookie in seconds.
	CookieMaxAge = 3600
)

// GenerateToken returns 32 random bytes, base64 URL-encoded.
func GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// ValidateToken compares the cookie token with the form token in constant time.
func ValidateToken(cookieToken, formToken string) bool {
	if cookieToken == "" || formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(formToken)) == 1
}

// ValidateRequest checks the form token of r against its cookie.
func ValidateRequest(r *http.Request) bool {
	return ValidateToken(GetTokenFromRequest(r), r.PostFormValue(FormFieldName))
}

// SetCookie sets the CSRF token cookie.
//
// SameSite is Lax so the cookie survives the top-level navigation from a
// reset email link.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   CookieMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetTokenFromRequest returns the CSRF cookie value, or "".
func GetTokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// EnsureToken returns the request's CSRF token, creating and setting one if
// the request has none. Handlers call it when rendering a form.
func EnsureToken(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if token := GetTokenFromRequest(r); token != "" {
		return token, nil
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	SetCookie(w, token, secure)
	return token, nil
}

// Protect rejects unsafe requests whose form token does not match the cookie.
func Protect(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			if !ValidateRequest(r) {
				logger.Warn("csrf token mismatch",
					"method", r.Method,
					"path", r.URL.Path,
				)
				http.Error(w, "Invalid or missing form token. Please reload the page and try again.", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
