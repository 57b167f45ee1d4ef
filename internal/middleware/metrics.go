package middleware

import (
	"crypto/subtle"
	"net/http"
)

const metricsRealm = `Basic realm="stockpile metrics"`

// MetricsAuthMiddleware guards the Prometheus scrape endpoint with basic auth.
type MetricsAuthMiddleware struct {
	username []byte
	password []byte
}

// NewMetricsAuthMiddleware creates a new metrics auth middleware.
// With both username and password empty the endpoint is open.
func NewMetricsAuthMiddleware(username, password string) *MetricsAuthMiddleware {
	return &MetricsAuthMiddleware{
		username: []byte(username),
		password: []byte(password),
	}
}

func (m *MetricsAuthMiddleware) open() bool {
	return len(m.username) == 0 && len(m.password) == 0
}

// authorized compares both fields in constant time, always checking both.
func (m *MetricsAuthMiddleware) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	userOK := subtle.ConstantTimeCompare([]byte(user), m.username)
	passOK := subtle.ConstantTimeCompare([]byte(pass), m.password)
	return ok && userOK&passOK == 1
}

// Handler returns middleware that requires the configured credentials.
func (m *MetricsAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.open() && !m.authorized(r) {
			w.Header().Set("WWW-Authenticate", metricsRealm)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
