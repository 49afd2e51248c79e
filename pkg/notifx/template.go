package notifx

import (
	"bytes"
	"html/template"
	"sync"
)

// Built-in template names.
const (
	TemplatePasswordReset = "password_reset"
	TemplateReuseAlert    = "reuse_alert"
)

const passwordResetHTML = `<p>Hi {{.DisplayName}},</p>
<p>Someone requested a password reset for your account. If that was you,
follow the link below within {{.ExpiresIn}}:</p>
<p><a href="{{.ResetLink}}">Reset your password</a></p>
<p>If you did not request this, you can ignore this mail. Your password
stays unchanged.</p>`

const reuseAlertHTML = `<p>Hi {{.DisplayName}},</p>
<p>We detected that a sign-in token for your account was used twice, which
usually means it was stolen. As a precaution we signed you out everywhere
at {{.DetectedAt}} (request came from {{.IP}}).</p>
<p>Please sign in again and consider changing your password.</p>`

// TemplateRegistry stores and renders named html/templates.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewTemplateRegistry creates a registry preloaded with the built-in
// security mail templates.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]*template.Template)}
	// Built-ins are compile-time constants; a parse failure is a bug.
	if err := r.Register(TemplatePasswordReset, passwordResetHTML); err != nil {
		panic(err)
	}
	if err := r.Register(TemplateReuseAlert, reuseAlertHTML); err != nil {
		panic(err)
	}
	return r
}

// Register parses and stores a template by name, replacing any previous
// template of the same name.
func (r *TemplateRegistry) Register(name, tmplString string) error {
	t, err := template.New(name).Parse(tmplString)
	if err != nil {
		return ErrRegistry.NewWithCause(CodeTemplateParse, err).WithDetail("template", name)
	}

	r.mu.Lock()
	r.templates[name] = t
	r.mu.Unlock()
	return nil
}

// Render executes a named template with the given data.
func (r *TemplateRegistry) Render(name string, data any) (string, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return "", ErrRegistry.New(CodeTemplateNotFound).WithDetail("template", name)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", ErrRegistry.NewWithCause(CodeTemplateRender, err).WithDetail("template", name)
	}
	return buf.String(), nil
}
