package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/reset"
	"github.com/DukeRupert/stockpile/internal/session"
)

// RequestRedirectDelay is how long the "instructions sent" message stays on
// screen before the browser moves on to the login page.
const RequestRedirectDelay = 3 * time.Second

// ResetHandler serves the forgot-password and reset-password pages.
//
// Every page instance gets an ID, carried in a hidden page_id field, that
// names its state in the page store. Submissions for the same page are
// serialised by the reset controller.
//
// Routes handled:
//   - GET  /forgot-password -> ShowForgotPassword
//   - POST /forgot-password -> ForgotPassword
//   - GET  /reset-password  -> ShowResetPassword
//   - POST /reset-password  -> ResetPassword
type ResetHandler struct {
	controller *reset.Controller
	renderer   TemplateRenderer
	logger     *slog.Logger
	isSecure   bool
}

// NewResetHandler creates a new ResetHandler.
func NewResetHandler(controller *reset.Controller, renderer TemplateRenderer, logger *slog.Logger, isSecure bool) *ResetHandler {
	return &ResetHandler{
		controller: controller,
		renderer:   renderer,
		logger:     logger,
		isSecure:   isSecure,
	}
}

// =============================================================================
// GET/POST /forgot-password - Reset Request
// =============================================================================

// ShowForgotPassword renders the reset request form on a fresh page.
func (h *ResetHandler) ShowForgotPassword(w http.ResponseWriter, r *http.Request) {
	page, err := h.controller.Open(r.Context(), "", "")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	h.renderRequest(w, r, http.StatusOK, page.ID, "", nil, nil)
}

// ForgotPassword asks the identity provider to email a reset link.
//
// On success the page shows the confirmation and a Refresh header sends the
// browser to the login page after RequestRedirectDelay. On failure the form
// is shown again for another attempt.
func (h *ResetHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	pageID := r.PostFormValue("page_id")
	form := ForgotPasswordForm{Email: strings.TrimSpace(r.PostFormValue("email"))}

	if errs := validateForm(form); errs != nil {
		h.renderRequest(w, r, http.StatusUnprocessableEntity, pageID, form.Email, errs, nil)
		return
	}

	result, err := h.controller.Request(r.Context(), pageID, domain.ResetRequest{Email: form.Email})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if !result.Success {
		status := http.StatusOK
		if result.Message == domain.MsgBusy {
			status = http.StatusConflict
		}
		h.renderRequest(w, r, status, pageID, form.Email, nil, flashFromResult(result))
		return
	}

	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	data.Flash = flashFromResult(result)
	data.Reset = ResetView{PageID: pageID, State: string(domain.StateNoToken), Sent: true}

	w.Header().Set("Refresh", fmt.Sprintf("%d; url=/login", int(RequestRedirectDelay.Seconds())))
	h.renderer.RenderHTTP(w, r, http.StatusOK, "auth/forgot_password", data)
}

func (h *ResetHandler) renderRequest(w http.ResponseWriter, r *http.Request, status int, pageID, email string, errs map[string]string, flash *Flash) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	data.Form["email"] = email
	if errs != nil {
		data.Errors = errs
	}
	data.Flash = flash
	data.Reset = ResetView{PageID: pageID, State: string(domain.StateNoToken)}

	h.renderer.RenderHTTP(w, r, status, "auth/forgot_password", data)
}

// =============================================================================
// GET/POST /reset-password - Credential Update
// =============================================================================

// ShowResetPassword validates the emailed link and renders the page.
//
// Query Parameters:
//   - token, email: both present enables the new-password form; neither
//     shows the reset request form; only one shows the invalid link notice
func (h *ResetHandler) ShowResetPassword(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := h.controller.Open(r.Context(), q.Get("token"), q.Get("email"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if page.State == domain.StateNoToken {
		h.renderRequest(w, r, http.StatusOK, page.ID, "", nil, nil)
		return
	}

	h.renderReset(w, r, http.StatusOK, page, page.Result)
}

// ResetPassword commits the new password.
//
// On success the session cookie is cleared and the browser goes straight to
// the login page; the page is done and refuses further submissions. On
// failure the page is shown again in whatever state it ended up in.
func (h *ResetHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req := domain.CredentialUpdateRequest{
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}

	page, result, err := h.controller.Submit(r.Context(),
		r.PostFormValue("page_id"),
		r.PostFormValue("token"),
		r.PostFormValue("email"),
		req,
	)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if result.Success {
		// Whoever was signed in must sign in again with the new password
		session.ClearCookie(w, h.isSecure)
		h.logger.Info("password reset completed", "page_id", page.ID)
		http.Redirect(w, r, "/login?reset=1", http.StatusSeeOther)
		return
	}

	status := http.StatusUnprocessableEntity
	switch result.Message {
	case domain.MsgBusy:
		status = http.StatusConflict
	case domain.MsgAlreadyDone:
		status = http.StatusGone
	}
	h.renderReset(w, r, status, page, &result)
}

func (h *ResetHandler) renderReset(w http.ResponseWriter, r *http.Request, status int, page *domain.ResetPage, result *domain.FlowResult) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	data.Reset = resetView(page)
	if result != nil {
		data.Flash = flashFromResult(*result)
	}

	h.renderer.RenderHTTP(w, r, status, "auth/reset_password", data)
}
