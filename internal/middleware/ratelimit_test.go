package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// In-memory limiter
// =============================================================================

func TestRateLimiter_AllowsUpToMax(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	defer rl.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := rl.Allow(ctx, "192.168.1.1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, retryAfter, err := rl.Allow(ctx, "192.168.1.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Other clients are tracked separately
	allowed, _, _ = rl.Allow(ctx, "192.168.1.2")
	assert.True(t, allowed)
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)
	defer rl.Stop()
	ctx := context.Background()

	allowed, _, _ := rl.Allow(ctx, "ip")
	require.True(t, allowed)
	allowed, _, _ = rl.Allow(ctx, "ip")
	require.False(t, allowed)

	time.Sleep(80 * time.Millisecond)

	allowed, _, _ = rl.Allow(ctx, "ip")
	assert.True(t, allowed)
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	ctx := context.Background()

	_, _, _ = rl.Allow(ctx, "ip")
	allowed, _, _ := rl.Allow(ctx, "ip")
	require.False(t, allowed)

	require.NoError(t, rl.Reset(ctx, "ip"))

	allowed, _, _ = rl.Allow(ctx, "ip")
	assert.True(t, allowed)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	rl.Stop()
	rl.Stop()
}

// =============================================================================
// Redis limiter
// =============================================================================

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRateLimiter_AllowsUpToMax(t *testing.T) {
	mr, client := newTestRedis(t)
	rl := NewRedisRateLimiter(client, "login", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.InDelta(t, time.Minute.Seconds(), retryAfter.Seconds(), 1)

	assert.True(t, mr.Exists("stockpile:ratelimit:login:10.0.0.1"))

	mr.FastForward(time.Minute + time.Second)

	allowed, _, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_Reset(t *testing.T) {
	_, client := newTestRedis(t)
	rl := NewRedisRateLimiter(client, "login", 1, time.Minute)
	ctx := context.Background()

	_, _, _ = rl.Allow(ctx, "ip")
	allowed, _, _ := rl.Allow(ctx, "ip")
	require.False(t, allowed)

	require.NoError(t, rl.Reset(ctx, "ip"))

	allowed, _, err := rl.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_NamesAreSeparate(t *testing.T) {
	_, client := newTestRedis(t)
	login := NewRedisRateLimiter(client, "login", 1, time.Minute)
	reset := NewRedisRateLimiter(client, "reset", 1, time.Minute)
	ctx := context.Background()

	_, _, _ = login.Allow(ctx, "ip")
	allowed, _, err := reset.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, allowed)
}

// =============================================================================
// Middleware
// =============================================================================

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func (failingLimiter) Reset(ctx context.Context, key string) error { return nil }

func TestRateLimitMiddleware_Blocks(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	h := NewRateLimitMiddleware(rl, newTestLogger()).Limit(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/forgot-password", nil)
		r.RemoteAddr = "192.168.1.1:12345"
		return r
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status code = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status code = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestRateLimitMiddleware_JSONForAPI(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	defer rl.Stop()
	h := NewRateLimitMiddleware(rl, newTestLogger()).Limit(okHandler())

	// First attempt in a window is always counted as allowed
	r := httptest.NewRequest("POST", "/api/login", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)

	r = httptest.NewRequest("POST", "/api/login", nil)
	r.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	h := NewRateLimitMiddleware(failingLimiter{}, newTestLogger()).Limit(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/login", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRateLimiter_ResetLogin(t *testing.T) {
	limits := DefaultAuthRateLimits()
	limits.LoginAttempts = 1
	a := NewAuthRateLimiter(limits, newTestLogger())
	defer a.Stop()
	h := a.LimitLogin(okHandler())

	newReq := func() *http.Request {
		r := httptest.NewRequest("POST", "/login", nil)
		r.RemoteAddr = "198.51.100.4:5000"
		return r
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	a.ResetLogin(context.Background(), newReq())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisAuthRateLimiter_LimitPasswordReset(t *testing.T) {
	_, client := newTestRedis(t)
	limits := DefaultAuthRateLimits()
	limits.ResetAttempts = 2
	a := NewRedisAuthRateLimiter(client, limits, newTestLogger())
	defer a.Stop()
	h := a.LimitPasswordReset(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/forgot-password", nil))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
