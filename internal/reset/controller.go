package reset

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/metrics"
	"github.com/DukeRupert/stockpile/internal/pagestore"
)

// DefaultBusyTTL bounds how long a crashed request can hold a page's busy lock.
const DefaultBusyTTL = 30 * time.Second

// Controller drives the reset-password page state machine.
//
// Each page instance is stored under its own ID. Provider calls made on
// behalf of a page are serialised by the page's busy lock: a second request
// while one is in flight gets domain.MsgBusy and never reaches the provider.
type Controller struct {
	flows   *Flows
	pages   pagestore.Store
	busyTTL time.Duration
	logger  *slog.Logger
}

// NewController creates a controller.
func NewController(flows *Flows, pages pagestore.Store, busyTTL time.Duration, logger *slog.Logger) *Controller {
	if busyTTL <= 0 {
		busyTTL = DefaultBusyTTL
	}
	return &Controller{
		flows:   flows,
		pages:   pages,
		busyTTL: busyTTL,
		logger:  logger,
	}
}

// Flows returns the underlying stateless flows.
func (c *Controller) Flows() *Flows {
	return c.flows
}

// Open creates a page for an incoming reset-password request.
//
// Without token and email the page stays in no_token and shows the request
// form. Such a page is not stored: Request only needs its ID for the busy
// lock, so anonymous GETs do not grow the store. Otherwise the page moves
// through validating to valid or invalid and is stored.
func (c *Controller) Open(ctx context.Context, token, email string) (*domain.ResetPage, error) {
	const op = "reset.Controller.Open"

	id, err := pagestore.NewID()
	if err != nil {
		return nil, domain.Internal(err, op, "Failed to create reset page")
	}
	page := domain.NewResetPage(id, time.Now())

	if token == "" && email == "" {
		c.logger.Debug("reset request page opened", "op", op, "page_id", page.ID)
		return page, nil
	}

	if err := c.validate(ctx, page, token, email); err != nil {
		return nil, err
	}

	if err := c.pages.Create(ctx, page); err != nil {
		return nil, err
	}

	c.logger.Debug("reset page opened", "op", op, "page_id", page.ID, "state", page.State)
	return page, nil
}

func (c *Controller) validate(ctx context.Context, page *domain.ResetPage, token, email string) error {
	if err := page.Transition(domain.StateValidating); err != nil {
		return err
	}

	session, v := c.flows.ValidateSession(ctx, token, email)
	page.Session = session

	if !v.Valid {
		page.Result = &domain.FlowResult{Success: false, Message: v.Error}
		return page.Transition(domain.StateInvalid)
	}
	return page.Transition(domain.StateValid)
}

// Request runs the reset request flow for a page. The page state does not
// change; only the busy lock is taken.
func (c *Controller) Request(ctx context.Context, pageID string, req domain.ResetRequest) (domain.FlowResult, error) {
	const op = "reset.Controller.Request"

	if pageID == "" {
		return c.flows.RequestReset(ctx, req), nil
	}

	unlock, ok, err := c.lock(ctx, op, pageID)
	if err != nil {
		return domain.FlowResult{}, err
	}
	if !ok {
		metrics.ResetStep(StepRequest, metrics.OutcomeBusy)
		return domain.Failed(domain.MsgBusy), nil
	}
	defer unlock()

	return c.flows.RequestReset(ctx, req), nil
}

// Submit runs the credential update flow for a page.
//
// An unknown or expired page is reopened from token and email. A page that is
// not in the valid state fails without calling the provider. On success the
// page ends in done; on failure it returns to valid so the user can retry.
func (c *Controller) Submit(ctx context.Context, pageID, token, email string, req domain.CredentialUpdateRequest) (*domain.ResetPage, domain.FlowResult, error) {
	const op = "reset.Controller.Submit"

	page, err := c.load(ctx, pageID, token, email)
	if err != nil {
		return nil, domain.FlowResult{}, err
	}

	switch page.State {
	case domain.StateDone:
		return page, domain.Failed(domain.MsgAlreadyDone), nil
	case domain.StateValid, domain.StateSubmitting:
	default:
		// Fails on the session precondition without a provider call
		return page, c.flows.Submit(ctx, req, page.Session), nil
	}

	unlock, ok, err := c.lock(ctx, op, page.ID)
	if err != nil {
		return nil, domain.FlowResult{}, err
	}
	if !ok {
		metrics.ResetStep(StepSubmit, metrics.OutcomeBusy)
		return page, domain.Failed(domain.MsgBusy), nil
	}
	defer unlock()

	// Another request may have finished while we waited for the lock
	page, err = c.pages.Get(ctx, page.ID)
	if err != nil {
		return nil, domain.FlowResult{}, err
	}
	if page.State == domain.StateDone {
		return page, domain.Failed(domain.MsgAlreadyDone), nil
	}
	if page.State == domain.StateSubmitting {
		// Left behind by a request whose lock expired
		if err := page.Transition(domain.StateValid); err != nil {
			return nil, domain.FlowResult{}, err
		}
	}

	if err := page.Transition(domain.StateSubmitting); err != nil {
		return nil, domain.FlowResult{}, err
	}
	if err := c.pages.Save(ctx, page); err != nil {
		return nil, domain.FlowResult{}, err
	}

	// The session keeps any recovery token obtained on the way, so a retry
	// after a failed update does not need the spent reset token
	session, result := c.flows.SubmitSession(ctx, req, page.Session)
	page.Session = session

	next := domain.StateValid
	if result.Success {
		next = domain.StateDone
	}
	if err := page.Transition(next); err != nil {
		return nil, domain.FlowResult{}, err
	}
	page.Result = &result

	if err := c.pages.Save(ctx, page); err != nil {
		return nil, domain.FlowResult{}, err
	}

	c.logger.Debug("reset page submitted", "op", op, "page_id", page.ID, "state", page.State)
	return page, result, nil
}

// load returns the stored page, or opens a new one if it is gone.
func (c *Controller) load(ctx context.Context, pageID, token, email string) (*domain.ResetPage, error) {
	if pageID != "" {
		page, err := c.pages.Get(ctx, pageID)
		if err == nil {
			return page, nil
		}
		if !domain.IsCode(err, domain.ENOTFOUND) {
			return nil, err
		}
	}
	return c.Open(ctx, token, email)
}

// lock takes the page's busy lock and returns its release function. The
// release uses a fresh context so a cancelled request still unlocks.
func (c *Controller) lock(ctx context.Context, op, pageID string) (func(), bool, error) {
	token, ok, err := c.pages.TryLock(ctx, pageID, c.busyTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.logger.Info("reset page busy", "op", op, "page_id", pageID)
		return nil, false, nil
	}

	unlock := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.pages.Unlock(unlockCtx, pageID, token); err != nil {
			c.logger.Warn("failed to release reset page lock", "op", op, "page_id", pageID, "error", err)
		}
	}
	return unlock, true, nil
}
