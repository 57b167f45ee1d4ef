// Package handler contains HTTP handlers for the Stockpile application.
//
// This file implements sign-up, sign-in and sign-out.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/stockpile/internal/clientip"
	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/service"
	"github.com/DukeRupert/stockpile/internal/session"
)

// =============================================================================
// Handler Configuration
// =============================================================================

// LoginLimiter clears a client's failed login count after a successful login.
type LoginLimiter interface {
	ResetLogin(ctx context.Context, r *http.Request)
}

// AuthHandler handles authentication-related HTTP requests.
//
// Routes handled:
//   - GET  /signup -> ShowSignup
//   - POST /signup -> Signup
//   - GET  /login  -> ShowLogin
//   - POST /login  -> Login
//   - POST /logout -> Logout
type AuthHandler struct {
	authService     service.AuthService
	limiter         LoginLimiter
	renderer        TemplateRenderer
	logger          *slog.Logger
	isSecure        bool
	sessionDuration time.Duration
}

// NewAuthHandler creates a new AuthHandler. limiter may be nil.
func NewAuthHandler(
	authService service.AuthService,
	limiter LoginLimiter,
	renderer TemplateRenderer,
	logger *slog.Logger,
	isSecure bool,
	sessionDuration time.Duration,
) *AuthHandler {
	if sessionDuration <= 0 {
		sessionDuration = service.DefaultSessionDuration
	}
	return &AuthHandler{
		authService:     authService,
		limiter:         limiter,
		renderer:        renderer,
		logger:          logger,
		isSecure:        isSecure,
		sessionDuration: sessionDuration,
	}
}

// =============================================================================
// GET /login - Show Login Form
// =============================================================================

// ShowLogin renders the login form.
//
// Query Parameters:
//   - return_to (optional): local URL to redirect to after login
//   - registered, reset, logout (optional): "1" shows the matching notice
func (h *AuthHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("registered") == "1":
		data.Flash = &Flash{Type: FlashSuccess, Message: "Account created. Please check your email to confirm it, then sign in."}
	case q.Get("reset") == "1":
		data.Flash = &Flash{Type: FlashSuccess, Message: domain.MsgResetDone}
	case q.Get("logout") == "1":
		data.Flash = &Flash{Type: FlashSuccess, Message: "You have been signed out."}
	}
	if returnTo := q.Get("return_to"); isSafeRedirectURL(returnTo) {
		data.ReturnTo = returnTo
	}

	h.renderer.RenderHTTP(w, r, http.StatusOK, "auth/login", data)
}

// =============================================================================
// POST /login - Process Login
// =============================================================================

// Login processes the login form submission.
//
// Invalid credentials always get the same message so the form does not
// reveal which emails exist.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	form := LoginForm{
		Email:    strings.ToLower(strings.TrimSpace(r.PostFormValue("email"))),
		Password: r.PostFormValue("password"),
	}
	returnTo := r.PostFormValue("return_to")

	if errs := validateForm(form); errs != nil {
		h.renderLogin(w, r, http.StatusUnprocessableEntity, form, returnTo, errs, nil)
		return
	}

	result, err := h.authService.Login(r.Context(), domain.LoginParams{
		Email:     form.Email,
		Password:  form.Password,
		IPAddress: clientip.FromRequest(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		status, flash := authFailure(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("login failed", "error", err, "request_id", requestID(r))
		}
		h.renderLogin(w, r, status, form, returnTo, nil, flash)
		return
	}

	session.SetCookie(w, result.Token, h.sessionDuration, h.isSecure)
	if h.limiter != nil {
		h.limiter.ResetLogin(r.Context(), r)
	}

	h.logger.Info("user logged in", "user_id", result.User.ID)

	redirectURL := "/"
	if isSafeRedirectURL(returnTo) {
		redirectURL = returnTo
	}
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, r *http.Request, status int, form LoginForm, returnTo string, errs map[string]string, flash *Flash) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	data.Form["email"] = form.Email
	if errs != nil {
		data.Errors = errs
	}
	data.Flash = flash
	if isSafeRedirectURL(returnTo) {
		data.ReturnTo = returnTo
	}

	h.renderer.RenderHTTP(w, r, status, "auth/login", data)
}

// =============================================================================
// GET/POST /signup - Account Creation
// =============================================================================

// ShowSignup renders the signup form.
func (h *AuthHandler) ShowSignup(w http.ResponseWriter, r *http.Request) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	h.renderer.RenderHTTP(w, r, http.StatusOK, "auth/signup", data)
}

// Signup creates an account. When the provider signs the new account in
// right away the user lands on the home page, otherwise on the login page.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	form := SignupForm{
		Email:           strings.ToLower(strings.TrimSpace(r.PostFormValue("email"))),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}

	if errs := validateForm(form); errs != nil {
		h.renderSignup(w, r, http.StatusUnprocessableEntity, form, errs, nil)
		return
	}

	result, err := h.authService.SignUp(r.Context(), domain.SignupParams{
		Email:    form.Email,
		Password: form.Password,
	})
	if err != nil {
		status, flash := authFailure(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("signup failed", "error", err, "request_id", requestID(r))
		}
		h.renderSignup(w, r, status, form, nil, flash)
		return
	}

	if result.Token == "" {
		http.Redirect(w, r, "/login?registered=1", http.StatusSeeOther)
		return
	}

	session.SetCookie(w, result.Token, h.sessionDuration, h.isSecure)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) renderSignup(w http.ResponseWriter, r *http.Request, status int, form SignupForm, errs map[string]string, flash *Flash) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	data.Form["email"] = form.Email
	if errs != nil {
		data.Errors = errs
	}
	data.Flash = flash

	h.renderer.RenderHTTP(w, r, status, "auth/signup", data)
}

// =============================================================================
// POST /logout - Process Logout
// =============================================================================

// Logout ends the session and clears the session cookie. It is idempotent
// and always redirects to the login page.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := session.Token(r); token != "" {
		if err := h.authService.Logout(r.Context(), token); err != nil {
			h.logger.Warn("failed to end session", "error", err)
		}
	}

	session.ClearCookie(w, h.isSecure)
	http.Redirect(w, r, "/login?logout=1", http.StatusSeeOther)
}

// authFailure maps a service error onto a status code and a flash message.
func authFailure(err error) (int, *Flash) {
	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)
	if status == http.StatusNotFound {
		status = http.StatusUnauthorized
	}
	return status, &Flash{Type: FlashError, Message: domain.ErrorMessage(err)}
}
