package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DukeRupert/stockpile/internal/clientip"
	goredis "github.com/redis/go-redis/v9"
)

// Limiter counts attempts per key within a fixed window.
type Limiter interface {
	// Allow records an attempt. It reports whether the attempt is within the
	// limit and, if not, how long until the window resets.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)

	// Reset clears the count for key.
	Reset(ctx context.Context, key string) error
}

// =============================================================================
// In-memory limiter
// =============================================================================

// RateLimiter is a process-local fixed-window Limiter.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	done    chan struct{}
	once    sync.Once
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call
// Stop to end it.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		entries:     make(map[string]*rateLimitEntry),
		done:        make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.entries[key]
	if !exists || now.Sub(entry.windowStart) > rl.window {
		rl.entries[key] = &rateLimitEntry{count: 1, windowStart: now}
		return true, 0, nil
	}

	if entry.count < rl.maxAttempts {
		entry.count++
		return true, 0, nil
	}

	return false, rl.window - now.Sub(entry.windowStart), nil
}

func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, key)
	return nil
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				if now.Sub(entry.windowStart) > rl.window {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// =============================================================================
// Redis limiter
// =============================================================================

// rateLimitKeyPrefix namespaces limiter counters in Redis.
const rateLimitKeyPrefix = "stockpile:ratelimit:"

// RedisRateLimiter is a fixed-window Limiter shared by all instances.
type RedisRateLimiter struct {
	client      goredis.UniversalClient
	name        string
	maxAttempts int64
	window      time.Duration
}

// NewRedisRateLimiter creates a limiter whose counters live under name.
func NewRedisRateLimiter(client goredis.UniversalClient, name string, maxAttempts int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:      client,
		name:        name,
		maxAttempts: int64(maxAttempts),
		window:      window,
	}
}

func (rl *RedisRateLimiter) key(key string) string {
	return rateLimitKeyPrefix + rl.name + ":" + key
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := rl.key(key)

	count, err := rl.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := rl.client.PExpire(ctx, k, rl.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= rl.maxAttempts {
		return true, 0, nil
	}

	ttl, err := rl.client.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		// Counter lost its expiry; start a new window
		_ = rl.client.PExpire(ctx, k, rl.window).Err()
		ttl = rl.window
	}
	return false, ttl, nil
}

func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rl.key(key)).Err()
}

// =============================================================================
// Rate Limit Middleware
// =============================================================================

// RateLimitMiddleware applies a Limiter per client IP.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware.
func NewRateLimitMiddleware(limiter Limiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// Limit returns middleware that rate limits requests. Limiter errors let the
// request through.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientip.FromRequest(r)

		allowed, retryAfter, err := m.limiter.Allow(r.Context(), clientIP)
		if err != nil {
			m.logger.Error("rate limiter unavailable", "path", r.URL.Path, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		m.logger.Warn("rate limit exceeded",
			"ip", clientIP,
			"path", r.URL.Path,
			"method", r.Method,
		)

		seconds := int(retryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))

		if isAPIRequest(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please try again later.",
			})
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Too Many Requests</title></head>
<body>
<h1>Too Many Requests</h1>
<p>You have made too many requests. Please wait a moment and try again.</p>
</body>
</html>`))
	})
}

// =============================================================================
// Auth Rate Limiter
// =============================================================================

// AuthRateLimits are the per-action attempt limits.
type AuthRateLimits struct {
	LoginAttempts  int
	LoginWindow    time.Duration
	SignupAttempts int
	SignupWindow   time.Duration
	ResetAttempts  int
	ResetWindow    time.Duration
}

// DefaultAuthRateLimits returns the production limits:
// login 5 per 15 minutes, signup 3 per hour, reset 5 per hour.
func DefaultAuthRateLimits() AuthRateLimits {
	return AuthRateLimits{
		LoginAttempts:  5,
		LoginWindow:    15 * time.Minute,
		SignupAttempts: 3,
		SignupWindow:   time.Hour,
		ResetAttempts:  5,
		ResetWindow:    time.Hour,
	}
}

// AuthRateLimiter groups the limiters of the auth endpoints.
type AuthRateLimiter struct {
	login  Limiter
	signup Limiter
	reset  Limiter
	logger *slog.Logger
}

// NewAuthRateLimiter creates in-memory limiters for the auth endpoints.
func NewAuthRateLimiter(limits AuthRateLimits, logger *slog.Logger) *AuthRateLimiter {
	return &AuthRateLimiter{
		login:  NewRateLimiter(limits.LoginAttempts, limits.LoginWindow),
		signup: NewRateLimiter(limits.SignupAttempts, limits.SignupWindow),
		reset:  NewRateLimiter(limits.ResetAttempts, limits.ResetWindow),
		logger: logger,
	}
}

// NewRedisAuthRateLimiter creates Redis-backed limiters for the auth
// endpoints, shared across instances.
func NewRedisAuthRateLimiter(client goredis.UniversalClient, limits AuthRateLimits, logger *slog.Logger) *AuthRateLimiter {
	return &AuthRateLimiter{
		login:  NewRedisRateLimiter(client, "login", limits.LoginAttempts, limits.LoginWindow),
		signup: NewRedisRateLimiter(client, "signup", limits.SignupAttempts, limits.SignupWindow),
		reset:  NewRedisRateLimiter(client, "reset", limits.ResetAttempts, limits.ResetWindow),
		logger: logger,
	}
}

// LimitLogin rate limits login attempts.
func (a *AuthRateLimiter) LimitLogin(next http.Handler) http.Handler {
	return NewRateLimitMiddleware(a.login, a.logger).Limit(next)
}

// LimitSignup rate limits account creation.
func (a *AuthRateLimiter) LimitSignup(next http.Handler) http.Handler {
	return NewRateLimitMiddleware(a.signup, a.logger).Limit(next)
}

// LimitPasswordReset rate limits reset requests and new-password submissions.
func (a *AuthRateLimiter) LimitPasswordReset(next http.Handler) http.Handler {
	return NewRateLimitMiddleware(a.reset, a.logger).Limit(next)
}

// ResetLogin clears the login limit for a client after a successful login.
func (a *AuthRateLimiter) ResetLogin(ctx context.Context, r *http.Request) {
	if err := a.login.Reset(ctx, clientip.FromRequest(r)); err != nil {
		a.logger.Warn("failed to reset login rate limit", "error", err)
	}
}

// Stop ends the cleanup goroutines of in-memory limiters.
func (a *AuthRateLimiter) Stop() {
	for _, l := range []Limiter{a.login, a.signup, a.reset} {
		if rl, ok := l.(*RateLimiter); ok {
			rl.Stop()
		}
	}
}

var (
	_ Limiter = (*RateLimiter)(nil)
	_ Limiter = (*RedisRateLimiter)(nil)
)
