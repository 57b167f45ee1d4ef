package domain

import (
	"time"

	"github.com/google/uuid"
)

// MinPasswordLength is the shortest password the reset form accepts.
const MinPasswordLength = 6

// User-facing messages of the password reset flows.
const (
	MsgResetSent        = "Password reset instructions have been sent to your email."
	MsgResetSendFailed  = "Failed to send reset email"
	MsgEmailRequired    = "Email is required"
	MsgInvalidLink      = "Invalid or expired reset link. Please request a new one."
	MsgPasswordMismatch = "Passwords do not match"
	MsgPasswordTooShort = "Password must be at least 6 characters long"
	MsgResetFailed      = "Failed to reset password. Please try again."
	MsgResetDone        = "Your password has been reset. Please sign in with your new password."
	MsgBusy             = "A request is already in progress. Please wait."
	MsgAlreadyDone      = "This password has already been reset. Please sign in."
)

// ResetRequest is the forgot-password form submission.
type ResetRequest struct {
	Email string
}

// ResetSession is the reset link as seen by the reset-password page.
//
// Valid is only true after the link passed validation. RecoveryToken is the
// provider session obtained when the link was verified with the provider and
// UserID is the account it belongs to. Both are kept server-side; under
// presence-only validation they are filled in by the first submit.
type ResetSession struct {
	Token         string    `json:"token"`
	Email         string    `json:"email"`
	Valid         bool      `json:"valid"`
	RecoveryToken string    `json:"recovery_token,omitempty"`
	UserID        uuid.UUID `json:"user_id"`
}

// CredentialUpdateRequest is the new-password form submission.
type CredentialUpdateRequest struct {
	Password        string
	ConfirmPassword string
}

// FlowResult is the outcome of a flow step as shown to the user.
type FlowResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Succeeded builds a successful FlowResult.
func Succeeded(message string) FlowResult {
	return FlowResult{Success: true, Message: message}
}

// Failed builds a failed FlowResult.
func Failed(message string) FlowResult {
	return FlowResult{Success: false, Message: message}
}

// LinkValidation is the verdict of the reset link validator.
type LinkValidation struct {
	Valid bool
	Error string
}

// =============================================================================
// Reset page state machine
// =============================================================================

// ResetState is the state of one reset-password page instance.
type ResetState string

const (
	StateNoToken    ResetState = "no_token"
	StateValidating ResetState = "validating"
	StateInvalid    ResetState = "invalid"
	StateValid      ResetState = "valid"
	StateSubmitting ResetState = "submitting"
	StateDone       ResetState = "done"
)

var resetTransitions = map[ResetState][]ResetState{
	StateNoToken:    {StateValidating},
	StateValidating: {StateValid, StateInvalid},
	StateValid:      {StateSubmitting},
	StateSubmitting: {StateValid, StateDone},
}

// CanTransition reports whether the state machine allows s -> to.
func (s ResetState) CanTransition(to ResetState) bool {
	for _, next := range resetTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ResetState) Terminal() bool {
	return s == StateInvalid || s == StateDone
}

// FormEnabled reports whether the new-password form accepts input.
func (s ResetState) FormEnabled() bool {
	return s == StateValid
}

// ResetPage is one instance of the reset-password page.
type ResetPage struct {
	ID        string       `json:"id"`
	State     ResetState   `json:"state"`
	Session   ResetSession `json:"session"`
	Result    *FlowResult  `json:"result,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewResetPage creates a page in its initial state.
func NewResetPage(id string, now time.Time) *ResetPage {
	return &ResetPage{
		ID:        id,
		State:     StateNoToken,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the page to the given state or fails with EINVALID.
func (p *ResetPage) Transition(to ResetState) error {
	const op = "ResetPage.Transition"
	if !p.State.CanTransition(to) {
		return Errorf(EINVALID, op, "cannot move reset page from %s to %s", p.State, to)
	}
	p.State = to
	p.UpdatedAt = time.Now()
	return nil
}
