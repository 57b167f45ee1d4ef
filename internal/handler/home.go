package handler

import (
	"log/slog"
	"net/http"
)

// HomeHandler serves the signed-in landing page.
type HomeHandler struct {
	renderer TemplateRenderer
	logger   *slog.Logger
	isSecure bool
}

// NewHomeHandler creates a new HomeHandler.
func NewHomeHandler(renderer TemplateRenderer, logger *slog.Logger, isSecure bool) *HomeHandler {
	return &HomeHandler{renderer: renderer, logger: logger, isSecure: isSecure}
}

// Show renders the home page. Routes must gate it on a signed-in user.
func (h *HomeHandler) Show(w http.ResponseWriter, r *http.Request) {
	data, err := newPageData(w, r, h.isSecure)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}
	h.renderer.RenderHTTP(w, r, http.StatusOK, "home", data)
}
