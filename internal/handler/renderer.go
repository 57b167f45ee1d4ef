package handler

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/a-h/templ"
)

// TemplateRenderer renders named page templates. This interface allows for
// mocking in tests.
type TemplateRenderer interface {
	Component(name string, data interface{}) (templ.Component, error)
	RenderHTTP(w http.ResponseWriter, r *http.Request, status int, name string, data interface{})
}

// Renderer manages template parsing and rendering with isolated template sets.
// It supports two layouts:
//   - "auth" layout for unauthenticated pages (login, signup, password reset)
//   - "app" layout for authenticated pages
//
// Templates are organized as:
//   - layouts/auth.html, layouts/app.html - base layouts
//   - components/*.html - reusable components (shared across layouts)
//   - pages/auth/*.html - auth pages (use auth layout)
//   - pages/*.html - app pages (use app layout)
//
// Pages are exposed as templ components so handlers render them the same way
// as compiled templ views.
type Renderer struct {
	fsys      fs.FS
	templates map[string]*template.Template
	logger    *slog.Logger
	isDev     bool
	mu        sync.RWMutex
}

// RendererConfig holds configuration for the renderer.
type RendererConfig struct {
	FS     fs.FS
	Logger *slog.Logger
	// IsDev reparses templates on every render
	IsDev bool
}

// NewRenderer creates a new template renderer.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		fsys:   cfg.FS,
		logger: cfg.Logger,
		isDev:  cfg.IsDev,
	}

	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reparses all templates.
func (r *Renderer) Reload() error {
	templates, err := r.parse()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.templates = templates
	r.mu.Unlock()
	return nil
}

func (r *Renderer) parse() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template)

	layouts := map[string]string{
		"auth": "pages/auth/*.html",
		"app":  "pages/*.html",
	}

	for layout, pattern := range layouts {
		base, err := template.New(layout).Funcs(TemplateFuncs()).ParseFS(r.fsys,
			"layouts/"+layout+".html",
			"components/*.html",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s layout: %w", layout, err)
		}

		pages, err := fs.Glob(r.fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to glob %s pages: %w", layout, err)
		}

		for _, page := range pages {
			pageTmpl, err := base.Clone()
			if err != nil {
				return nil, fmt.Errorf("failed to clone %s template for %s: %w", layout, page, err)
			}

			pageTmpl, err = pageTmpl.ParseFS(r.fsys, page)
			if err != nil {
				return nil, fmt.Errorf("failed to parse page %s: %w", page, err)
			}

			// Store as "auth/login", "home", etc.
			name := strings.TrimSuffix(path.Base(page), path.Ext(page))
			if layout == "auth" {
				name = "auth/" + name
			}
			templates[name] = pageTmpl
		}
	}

	if r.logger != nil {
		r.logger.Debug("templates loaded", "count", len(templates))
	}
	return templates, nil
}

// Component returns the named page bound to data.
func (r *Renderer) Component(name string, data interface{}) (templ.Component, error) {
	if r.isDev {
		if err := r.Reload(); err != nil {
			return nil, fmt.Errorf("template reload failed: %w", err)
		}
	}

	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}

	layout := tmpl.Lookup(baseTemplateName(name))
	if layout == nil {
		return nil, fmt.Errorf("template %q has no layout", name)
	}
	return templ.FromGoHTML(layout, data), nil
}

// RenderHTTP renders a page with the given status code. The page is
// rendered to a buffer first so errors are caught before headers are sent.
func (r *Renderer) RenderHTTP(w http.ResponseWriter, req *http.Request, status int, name string, data interface{}) {
	component, err := r.Component(name, data)
	if err != nil {
		r.logger.Error("template lookup failed", "name", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := component.Render(req.Context(), &buf); err != nil {
		r.logger.Error("template execution failed", "name", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// ListTemplates returns the names of all loaded templates.
func (r *Renderer) ListTemplates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// baseTemplateName determines which layout to execute.
func baseTemplateName(name string) string {
	if strings.HasPrefix(name, "auth/") {
		return "auth"
	}
	return "app"
}
