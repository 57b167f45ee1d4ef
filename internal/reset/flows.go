// Package reset implements the password reset handshake.
//
// Flows holds the three stateless operations:
// - RequestReset asks the identity provider to email a reset link
// - Validate decides whether a reset link may show the new-password form
// - Submit checks the new password locally and commits it with the provider
//
// Every flow returns a domain.FlowResult or domain.LinkValidation and never an
// error or a panic: failures are converted to user-facing messages at this
// boundary. Controller adds per-page state and the busy lock on top.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/events"
	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/DukeRupert/stockpile/internal/metrics"
	"github.com/google/uuid"
)

// Flow step labels used in logs and metrics.
const (
	StepRequest  = "request"
	StepValidate = "validate"
	StepSubmit   = "submit"
)

// Config controls flow behaviour.
type Config struct {
	// RedirectURL is where emailed links point, normally BASE_URL/reset-password.
	RedirectURL string

	// VerifyToken makes Validate check the link with the provider instead of
	// only checking that token and email are present.
	VerifyToken bool
}

// SessionRevoker ends the local sessions of a user. service.AuthService
// satisfies it.
type SessionRevoker interface {
	EndUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Option configures Flows.
type Option func(*Flows)

// WithSessionRevoker ends the user's local sessions after a completed reset.
func WithSessionRevoker(r SessionRevoker) Option {
	return func(f *Flows) {
		f.revoker = r
	}
}

// Flows implements the reset request, link validation and credential update.
type Flows struct {
	provider  identity.Provider
	publisher events.Publisher
	revoker   SessionRevoker
	config    Config
	logger    *slog.Logger
}

// NewFlows creates the reset flows.
func NewFlows(provider identity.Provider, publisher events.Publisher, config Config, logger *slog.Logger, opts ...Option) *Flows {
	f := &Flows{
		provider:  provider,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// =============================================================================
// Reset Request Flow
// =============================================================================

// RequestReset asks the provider to email a reset link.
//
// Every call issues a new provider call; resubmitting the same email is
// allowed. On failure the provider's message is shown when it has one.
func (f *Flows) RequestReset(ctx context.Context, req domain.ResetRequest) (result domain.FlowResult) {
	const op = "reset.RequestReset"

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic during reset request", "op", op, "panic", fmt.Sprint(r))
			result = domain.Failed(domain.MsgResetSendFailed)
		}
		metrics.ResetStep(StepRequest, outcome(result.Success))
	}()

	email := strings.TrimSpace(req.Email)
	if email == "" {
		return domain.Failed(domain.MsgEmailRequired)
	}

	if err := f.provider.IssueResetToken(ctx, email, f.config.RedirectURL); err != nil {
		f.logger.Warn("reset request failed",
			"op", op,
			"code", domain.ErrorCode(err),
			"error", err,
		)
		metrics.ProviderError(err)
		return domain.Failed(providerMessage(err, domain.MsgResetSendFailed))
	}

	f.logger.Info("reset link requested", "op", op)
	f.publish(ctx, events.New(events.PasswordResetRequested, email, ""))

	return domain.Succeeded(domain.MsgResetSent)
}

// =============================================================================
// Reset Link Validator
// =============================================================================

// Validate reports whether the reset link may show the new-password form.
func (f *Flows) Validate(ctx context.Context, token, email string) domain.LinkValidation {
	_, v := f.ValidateSession(ctx, token, email)
	return v
}

// ValidateSession validates a reset link and builds the session the page
// keeps for the final commit.
//
// A link is valid when both token and email are present. With VerifyToken
// enabled the provider must also accept it, and the recovery session it
// returns is kept for Submit. Any error or panic makes the link invalid.
func (f *Flows) ValidateSession(ctx context.Context, token, email string) (session domain.ResetSession, v domain.LinkValidation) {
	const op = "reset.Validate"

	session = domain.ResetSession{Token: token, Email: email}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic during link validation", "op", op, "panic", fmt.Sprint(r))
			session.Valid = false
			session.RecoveryToken = ""
			session.UserID = uuid.Nil
			v = invalidLink()
		}
		metrics.ResetStep(StepValidate, outcome(v.Valid))
	}()

	if strings.TrimSpace(token) == "" || strings.TrimSpace(email) == "" {
		return session, invalidLink()
	}

	if f.config.VerifyToken {
		recovery, err := f.provider.VerifyResetToken(ctx, token, email)
		if err != nil {
			f.logger.Info("reset link rejected by provider",
				"op", op,
				"code", domain.ErrorCode(err),
			)
			return session, invalidLink()
		}
		session.RecoveryToken = recovery.AccessToken
		session.UserID = recovery.UserID
	}

	session.Valid = true
	return session, domain.LinkValidation{Valid: true}
}

func invalidLink() domain.LinkValidation {
	return domain.LinkValidation{Valid: false, Error: domain.MsgInvalidLink}
}

// =============================================================================
// Credential Update Flow
// =============================================================================

// Submit commits a new password for a validated reset session.
//
// Preconditions are checked in order and the first failure wins; the provider
// is only called when all of them hold:
//  1. the session is valid
//  2. password and confirmation match
//  3. the password has at least domain.MinPasswordLength characters
//
// A provider failure leaves the session usable so the user can retry.
func (f *Flows) Submit(ctx context.Context, req domain.CredentialUpdateRequest, session domain.ResetSession) domain.FlowResult {
	_, result := f.SubmitSession(ctx, req, session)
	return result
}

// SubmitSession is Submit returning the session as it stands afterwards.
//
// A session without a recovery token is verified with the provider first and
// the recovery session is recorded on the returned session. Reset tokens are
// single use, so a caller that keeps the returned session can retry a failed
// update without spending the token again. After a successful update the
// user's local sessions are ended and the recovery token is cleared.
func (f *Flows) SubmitSession(ctx context.Context, req domain.CredentialUpdateRequest, session domain.ResetSession) (out domain.ResetSession, result domain.FlowResult) {
	const op = "reset.Submit"

	out = session
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic during credential update", "op", op, "panic", fmt.Sprint(r))
			result = domain.Failed(domain.MsgResetFailed)
		}
		metrics.ResetStep(StepSubmit, outcome(result.Success))
	}()

	if err := CheckCredentialUpdate(req, session); err != nil {
		return out, domain.Failed(domain.ErrorMessage(err))
	}

	if out.RecoveryToken == "" {
		recovery, err := f.provider.VerifyResetToken(ctx, out.Token, out.Email)
		if err != nil {
			f.logger.Warn("reset link verification failed",
				"op", op,
				"code", domain.ErrorCode(err),
				"error", err,
			)
			metrics.ProviderError(err)
			return out, domain.Failed(providerMessage(err, domain.MsgResetFailed))
		}
		out.RecoveryToken = recovery.AccessToken
		out.UserID = recovery.UserID
	}

	cred := identity.Credential{
		Token:       out.Token,
		Email:       out.Email,
		AccessToken: out.RecoveryToken,
	}
	if err := f.provider.UpdateCredential(ctx, cred, req.Password); err != nil {
		f.logger.Warn("credential update failed",
			"op", op,
			"code", domain.ErrorCode(err),
			"error", err,
		)
		metrics.ProviderError(err)
		return out, domain.Failed(providerMessage(err, domain.MsgResetFailed))
	}

	// The provider ended the recovery session
	out.RecoveryToken = ""

	f.logger.Info("password reset completed", "op", op)
	f.endSessions(ctx, out)
	f.publish(ctx, events.New(events.PasswordResetCompleted, out.Email, ""))

	return out, domain.Succeeded(domain.MsgResetDone)
}

// CheckCredentialUpdate applies the local preconditions of Submit. The
// returned error's message is the user-facing reason.
func CheckCredentialUpdate(req domain.CredentialUpdateRequest, session domain.ResetSession) error {
	const op = "reset.CheckCredentialUpdate"

	switch {
	case !session.Valid:
		return domain.Invalid(op, domain.MsgInvalidLink)
	case req.Password != req.ConfirmPassword:
		return domain.Invalid(op, domain.MsgPasswordMismatch)
	case utf8.RuneCountInString(req.Password) < domain.MinPasswordLength:
		return domain.Invalid(op, domain.MsgPasswordTooShort)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// providerMessage returns the provider's own message for err, or fallback.
func providerMessage(err error, fallback string) string {
	if msg := identity.Message(err); msg != "" {
		return msg
	}
	return fallback
}

// endSessions signs the user out everywhere after a reset. A failure is logged
// and does not undo the reset.
func (f *Flows) endSessions(ctx context.Context, session domain.ResetSession) {
	const op = "reset.endSessions"

	if f.revoker == nil {
		return
	}
	if session.UserID == uuid.Nil {
		f.logger.Warn("reset completed without a user id, local sessions kept", "op", op)
		return
	}
	if err := f.revoker.EndUserSessions(ctx, session.UserID); err != nil {
		f.logger.Error("failed to end sessions after reset",
			"op", op,
			"user_id", session.UserID,
			"error", err,
		)
	}
}

func (f *Flows) publish(ctx context.Context, event events.Event) {
	if f.publisher == nil {
		return
	}
	if err := f.publisher.Publish(ctx, event); err != nil {
		f.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

func outcome(success bool) string {
	if success {
		return metrics.OutcomeSuccess
	}
	return metrics.OutcomeFailure
}
