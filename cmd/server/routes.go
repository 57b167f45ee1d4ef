package main

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/stockpile/internal/csrf"
	"github.com/DukeRupert/stockpile/internal/handler"
	"github.com/DukeRupert/stockpile/internal/metrics"
	"github.com/DukeRupert/stockpile/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app holds the wired handlers and middleware the router needs.
type app struct {
	logger   *slog.Logger
	isSecure bool
	static   fs.FS

	authHandler  *handler.AuthHandler
	resetHandler *handler.ResetHandler
	homeHandler  *handler.HomeHandler

	authMw      *middleware.AuthMiddleware
	rateLimits  *middleware.AuthRateLimiter
	metricsAuth *middleware.MetricsAuthMiddleware
}

// routes builds the router and wraps it in the global middleware stack.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(a.static)))

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics
	mux.Handle("GET /metrics", a.metricsAuth.Handler(promhttp.Handler()))

	// ==========================================================================
	// Guest pages
	// ==========================================================================

	guest := a.authMw.RedirectIfAuthenticated
	guestLimited := func(limit func(http.Handler) http.Handler) func(http.Handler) http.Handler {
		return middleware.Stack(guest, limit)
	}

	mux.Handle("GET /login", guest(http.HandlerFunc(a.authHandler.ShowLogin)))
	mux.Handle("POST /login", guestLimited(a.rateLimits.LimitLogin)(http.HandlerFunc(a.authHandler.Login)))
	mux.Handle("GET /signup", guest(http.HandlerFunc(a.authHandler.ShowSignup)))
	mux.Handle("POST /signup", guestLimited(a.rateLimits.LimitSignup)(http.HandlerFunc(a.authHandler.Signup)))

	mux.Handle("GET /forgot-password", guest(http.HandlerFunc(a.resetHandler.ShowForgotPassword)))
	mux.Handle("POST /forgot-password", guestLimited(a.rateLimits.LimitPasswordReset)(http.HandlerFunc(a.resetHandler.ForgotPassword)))
	mux.Handle("GET /reset-password", guest(http.HandlerFunc(a.resetHandler.ShowResetPassword)))
	mux.Handle("POST /reset-password", guestLimited(a.rateLimits.LimitPasswordReset)(http.HandlerFunc(a.resetHandler.ResetPassword)))

	mux.HandleFunc("POST /logout", a.authHandler.Logout)

	// ==========================================================================
	// Signed-in pages
	// ==========================================================================

	mux.Handle("GET /{$}", a.authMw.RequireUser(http.HandlerFunc(a.homeHandler.Show)))

	// Everything else
	mux.Handle("/", a.authMw.Fallback())

	global := middleware.Stack(
		middleware.NewRequestLoggingMiddleware(a.logger).Handler,
		metrics.Middleware,
		middleware.NewSecurityHeadersMiddleware(a.isSecure).Handler,
		csrf.Protect(a.logger),
		a.authMw.WithUser,
	)
	return global(mux)
}
