package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/DukeRupert/stockpile/internal/auth"
	"github.com/DukeRupert/stockpile/internal/csrf"
	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/requestid"
)

// =============================================================================
// Template Data Types
// =============================================================================

// Flash types select the flash message styling.
const (
	FlashSuccess = "success"
	FlashError   = "error"
	FlashInfo    = "info"
)

// Flash is a one-off message shown above the page content.
type Flash struct {
	Type    string
	Message string
}

// flashFromResult converts a flow result into a flash message.
func flashFromResult(result domain.FlowResult) *Flash {
	if result.Message == "" {
		return nil
	}
	if result.Success {
		return &Flash{Type: FlashSuccess, Message: result.Message}
	}
	return &Flash{Type: FlashError, Message: result.Message}
}

// ResetView is the reset page as seen by the templates.
type ResetView struct {
	PageID      string
	State       string
	Token       string
	Email       string
	FormEnabled bool
	Sent        bool
}

func resetView(page *domain.ResetPage) ResetView {
	if page == nil {
		return ResetView{}
	}
	return ResetView{
		PageID:      page.ID,
		State:       string(page.State),
		Token:       page.Session.Token,
		Email:       page.Session.Email,
		FormEnabled: page.State.FormEnabled(),
	}
}

// PageData is passed to every page template.
type PageData struct {
	CurrentPath string
	CSRFToken   string
	User        *domain.User
	Form        map[string]string // Field values for re-populating on error
	Errors      map[string]string // Field-level validation errors
	Flash       *Flash
	ReturnTo    string
	Reset       ResetView
}

// newPageData fills the fields common to every page. A CSRF cookie is set
// when the request has none.
func newPageData(w http.ResponseWriter, r *http.Request, isSecure bool) (PageData, error) {
	token, err := csrf.EnsureToken(w, r, isSecure)
	if err != nil {
		return PageData{}, err
	}
	return PageData{
		CurrentPath: r.URL.Path,
		CSRFToken:   token,
		User:        auth.GetUserFromRequest(r),
		Form:        make(map[string]string),
		Errors:      make(map[string]string),
	}, nil
}

// isSafeRedirectURL reports whether rawURL is a local path.
func isSafeRedirectURL(rawURL string) bool {
	// Must start with / but not // (protocol-relative URL)
	if !strings.HasPrefix(rawURL, "/") || strings.HasPrefix(rawURL, "//") || strings.HasPrefix(rawURL, "/\\") {
		return false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return parsed.Scheme == "" && parsed.Host == ""
}

func requestID(r *http.Request) string {
	return requestid.FromContext(r.Context())
}
