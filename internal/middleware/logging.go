package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/stockpile/internal/clientip"
	"github.com/DukeRupert/stockpile/internal/requestid"
)

// maxRequestIDLength caps client-supplied request IDs.
const maxRequestIDLength = 64

// sensitiveParams are query parameters redacted from logged paths. Reset
// links carry the reset token in the query string.
var sensitiveParams = map[string]bool{
	"token":         true,
	"token_hash":    true,
	"code":          true,
	"password":      true,
	"access_token":  true,
	"refresh_token": true,
	"apikey":        true,
	"api_key":       true,
	"secret":        true,
}

// skipLogPaths are too noisy to log.
var skipLogPaths = []string{"/health", "/metrics", "/static/"}

// RequestLoggingMiddleware assigns request IDs and logs HTTP requests.
type RequestLoggingMiddleware struct {
	logger *slog.Logger
}

// NewRequestLoggingMiddleware creates a new request logging middleware.
func NewRequestLoggingMiddleware(logger *slog.Logger) *RequestLoggingMiddleware {
	return &RequestLoggingMiddleware{logger: logger}
}

// Handler returns middleware that tags the request with an ID, echoes it in
// the X-Request-ID response header and logs the request when it completes.
func (m *RequestLoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if id == "" || len(id) > maxRequestIDLength {
			id = requestid.New()
		}
		w.Header().Set(requestid.Header, id)
		r = r.WithContext(requestid.WithID(r.Context(), id))

		if shouldSkipLog(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"request_id", id,
			"method", r.Method,
			"path", sanitizePath(r.URL.Path, r.URL.RawQuery),
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", clientip.FromRequest(r),
			"user_agent", r.UserAgent(),
		}

		if wrapped.statusCode >= 500 {
			m.logger.Warn("request", attrs...)
		} else {
			m.logger.Info("request", attrs...)
		}
	})
}

func shouldSkipLog(path string) bool {
	for _, skip := range skipLogPaths {
		if strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// sanitizePath redacts sensitive query parameter values.
func sanitizePath(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}

	var safe []string
	for _, part := range strings.Split(rawQuery, "&") {
		key, _, found := strings.Cut(part, "=")
		if !found || key == "" {
			continue
		}
		if sensitiveParams[strings.ToLower(key)] {
			safe = append(safe, key+"=[REDACTED]")
			continue
		}
		safe = append(safe, part)
	}

	if len(safe) == 0 {
		return path
	}
	return path + "?" + strings.Join(safe, "&")
}
