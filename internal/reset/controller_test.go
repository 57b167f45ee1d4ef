package reset

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/DukeRupert/stockpile/internal/pagestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(p *mockProvider, verify bool) (*Controller, *pagestore.MemoryStore) {
	pages := pagestore.NewMemoryStore(pagestore.DefaultTTL)
	return NewController(newTestFlows(p, nil, verify), pages, time.Second, newTestLogger()), pages
}

var goodPassword = domain.CredentialUpdateRequest{Password: "abcdef", ConfirmPassword: "abcdef"}

func TestOpen_States(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		email     string
		wantState domain.ResetState
	}{
		{"no link shows request form", "", "", domain.StateNoToken},
		{"complete link is valid", "abc", "a@b.com", domain.StateValid},
		{"token only is invalid", "abc", "", domain.StateInvalid},
		{"email only is invalid", "", "a@b.com", domain.StateInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, pages := newTestController(&mockProvider{}, false)

			page, err := c.Open(context.Background(), tt.token, tt.email)
			require.NoError(t, err)

			assert.Equal(t, tt.wantState, page.State)
			assert.NotEmpty(t, page.ID)
			assert.Equal(t, tt.wantState == domain.StateValid, page.Session.Valid)
			if tt.wantState == domain.StateInvalid {
				require.NotNil(t, page.Result)
				assert.Equal(t, domain.MsgInvalidLink, page.Result.Message)
			}

			stored, err := pages.Get(context.Background(), page.ID)
			if tt.wantState == domain.StateNoToken {
				assert.True(t, domain.IsCode(err, domain.ENOTFOUND), "request pages are not stored")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, page.State, stored.State)
		})
	}
}

func TestOpen_RequestPagesDoNotGrowStore(t *testing.T) {
	c, pages := newTestController(&mockProvider{}, false)

	var ids []string
	for i := 0; i < 5; i++ {
		page, err := c.Open(context.Background(), "", "")
		require.NoError(t, err)
		ids = append(ids, page.ID)
	}

	// The unstored page ID still carries the busy lock
	result, err := c.Request(context.Background(), ids[0], domain.ResetRequest{Email: "a@b.com"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	for _, id := range ids {
		_, err := pages.Get(context.Background(), id)
		assert.True(t, domain.IsCode(err, domain.ENOTFOUND))
	}
}

func TestOpen_VerificationFailureIsInvalid(t *testing.T) {
	p := &mockProvider{
		VerifyResetTokenFunc: func(ctx context.Context, token, email string) (*identity.Recovery, error) {
			return nil, providerErr(http.StatusForbidden, "Email link is invalid or has expired")
		},
	}
	c, _ := newTestController(p, true)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInvalid, page.State)
}

func TestSubmit_ValidToDone(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestController(p, true)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)
	require.Equal(t, "recovery-jwt", page.Session.RecoveryToken)

	page, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.MsgResetDone, result.Message)
	assert.Equal(t, domain.StateDone, page.State)
	assert.Empty(t, page.Session.RecoveryToken)
	assert.Equal(t, "recovery-jwt", p.lastCred.AccessToken)
}

func TestSubmit_FailureReturnsToValid(t *testing.T) {
	attempts := 0
	p := &mockProvider{
		UpdateCredentialFunc: func(ctx context.Context, cred identity.Credential, newPassword string) error {
			attempts++
			if attempts == 1 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	c, _ := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)

	page, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(domain.MsgResetFailed), result)
	assert.Equal(t, domain.StateValid, page.State)
	assert.True(t, page.Session.Valid)

	// Retry on the same page
	page, result, err = c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.StateDone, page.State)
}

func TestSubmit_RetryReusesRecoverySession(t *testing.T) {
	verified := false
	p := &mockProvider{
		VerifyResetTokenFunc: func(ctx context.Context, token, email string) (*identity.Recovery, error) {
			// Reset tokens are single use
			if verified {
				return nil, providerErr(http.StatusForbidden, "Email link is invalid or has expired")
			}
			verified = true
			return &identity.Recovery{AccessToken: "recovery-jwt", Email: email}, nil
		},
	}
	attempts := 0
	p.UpdateCredentialFunc = func(ctx context.Context, cred identity.Credential, newPassword string) error {
		attempts++
		if attempts == 1 {
			return providerErr(http.StatusUnprocessableEntity, "New password should be different from the old password.")
		}
		return nil
	}
	c, pages := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)
	require.Empty(t, page.Session.RecoveryToken)

	page, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed("New password should be different from the old password."), result)
	assert.Equal(t, domain.StateValid, page.State)

	stored, err := pages.Get(context.Background(), page.ID)
	require.NoError(t, err)
	assert.Equal(t, "recovery-jwt", stored.Session.RecoveryToken)

	page, result, err = c.Submit(context.Background(), page.ID, "abc", "a@b.com",
		domain.CredentialUpdateRequest{Password: "different", ConfirmPassword: "different"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.StateDone, page.State)
	assert.Empty(t, page.Session.RecoveryToken)

	_, verify, update := p.calls()
	assert.Equal(t, 1, verify)
	assert.Equal(t, 2, update)
	assert.Equal(t, "recovery-jwt", p.lastCred.AccessToken)
}

func TestSubmit_ExpiredPageWithSpentLinkIsInvalid(t *testing.T) {
	p := &mockProvider{
		VerifyResetTokenFunc: func(ctx context.Context, token, email string) (*identity.Recovery, error) {
			return nil, providerErr(http.StatusForbidden, "Email link is invalid or has expired")
		},
	}
	c, _ := newTestController(p, true)

	page, result, err := c.Submit(context.Background(), "expired-page", "abc", "a@b.com", goodPassword)
	require.NoError(t, err)

	assert.Equal(t, domain.Failed(domain.MsgInvalidLink), result)
	assert.Equal(t, domain.StateInvalid, page.State)
	_, _, update := p.calls()
	assert.Zero(t, update)
}

func TestSubmit_LocalFailureKeepsValidState(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)

	page, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com",
		domain.CredentialUpdateRequest{Password: "abcdef", ConfirmPassword: "abcdeg"})
	require.NoError(t, err)

	assert.Equal(t, domain.Failed(domain.MsgPasswordMismatch), result)
	assert.Equal(t, domain.StateValid, page.State)
	_, _, update := p.calls()
	assert.Zero(t, update)
}

func TestSubmit_DonePageIsTerminal(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)

	_, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	require.True(t, result.Success)

	page, result, err = c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(domain.MsgAlreadyDone), result)
	assert.Equal(t, domain.StateDone, page.State)

	_, _, update := p.calls()
	assert.Equal(t, 1, update)
}

func TestSubmit_InvalidPageNeverCallsProvider(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "")
	require.NoError(t, err)
	require.Equal(t, domain.StateInvalid, page.State)

	page, result, err := c.Submit(context.Background(), page.ID, "abc", "", goodPassword)
	require.NoError(t, err)

	assert.Equal(t, domain.Failed(domain.MsgInvalidLink), result)
	assert.Equal(t, domain.StateInvalid, page.State)
	_, _, update := p.calls()
	assert.Zero(t, update)
}

func TestSubmit_UnknownPageIsReopened(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestController(p, false)

	page, result, err := c.Submit(context.Background(), "expired-page", "abc", "a@b.com", goodPassword)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.StateDone, page.State)
	assert.NotEqual(t, "expired-page", page.ID)
}

func TestSubmit_BusyPageSkipsProvider(t *testing.T) {
	p := &mockProvider{}
	c, pages := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)

	_, ok, err := pages.TryLock(context.Background(), page.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	page, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)

	assert.Equal(t, domain.Failed(domain.MsgBusy), result)
	assert.Equal(t, domain.StateValid, page.State)
	_, _, update := p.calls()
	assert.Zero(t, update)
}

func TestSubmit_ConcurrentSubmissionsCallProviderOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &mockProvider{
		UpdateCredentialFunc: func(ctx context.Context, cred identity.Credential, newPassword string) error {
			close(entered)
			<-release
			return nil
		},
	}
	c, _ := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)

	done := make(chan domain.FlowResult)
	go func() {
		_, result, _ := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
		done <- result
	}()

	<-entered
	_, second, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(domain.MsgBusy), second)

	close(release)
	first := <-done
	assert.True(t, first.Success)

	_, _, update := p.calls()
	assert.Equal(t, 1, update)
}

func TestSubmit_LockReleasedAfterPanic(t *testing.T) {
	panicked := false
	p := &mockProvider{
		UpdateCredentialFunc: func(ctx context.Context, cred identity.Credential, newPassword string) error {
			if !panicked {
				panicked = true
				panic("first attempt")
			}
			return nil
		},
	}
	c, _ := newTestController(p, false)

	page, err := c.Open(context.Background(), "abc", "a@b.com")
	require.NoError(t, err)

	_, result, err := c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(domain.MsgResetFailed), result)

	_, result, err = c.Submit(context.Background(), page.ID, "abc", "a@b.com", goodPassword)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRequest_BusyAndRelease(t *testing.T) {
	p := &mockProvider{}
	c, pages := newTestController(p, false)

	page, err := c.Open(context.Background(), "", "")
	require.NoError(t, err)

	token, ok, err := pages.TryLock(context.Background(), page.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := c.Request(context.Background(), page.ID, domain.ResetRequest{Email: "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(domain.MsgBusy), result)
	issue, _, _ := p.calls()
	assert.Zero(t, issue)

	require.NoError(t, pages.Unlock(context.Background(), page.ID, token))

	result, err = c.Request(context.Background(), page.ID, domain.ResetRequest{Email: "a@b.com"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The lock is released after a failure too
	p.IssueResetTokenFunc = func(ctx context.Context, email, redirectTo string) error {
		return errors.New("boom")
	}
	result, err = c.Request(context.Background(), page.ID, domain.ResetRequest{Email: "a@b.com"})
	require.NoError(t, err)
	assert.False(t, result.Success)

	p.IssueResetTokenFunc = nil
	result, err = c.Request(context.Background(), page.ID, domain.ResetRequest{Email: "a@b.com"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRequest_WithoutPage(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestController(p, false)

	result, err := c.Request(context.Background(), "", domain.ResetRequest{Email: "a@b.com"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}
