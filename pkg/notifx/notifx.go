package notifx

import (
	"context"
	"fmt"
)

// EmailSender delivers a single email through some provider.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// Mailer renders the security mails and hands them to the configured
// provider. Callers treat send failures as non-fatal; auth flows never
// abort because mail delivery is down.
type Mailer struct {
	provider  EmailSender
	templates *TemplateRegistry
	from      string
}

// NewMailer creates a mailer over the given provider. The from address is
// stamped as "Name <address>" when name is non-empty.
func NewMailer(provider EmailSender, fromAddress, fromName string) *Mailer {
	from := fromAddress
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromAddress)
	}
	return &Mailer{
		provider:  provider,
		templates: NewTemplateRegistry(),
		from:      from,
	}
}

// Templates exposes the registry for overriding the built-in mails.
func (m *Mailer) Templates() *TemplateRegistry { return m.templates }

// SendEmail validates and sends a raw message.
func (m *Mailer) SendEmail(ctx context.Context, msg EmailMessage) error {
	if len(msg.To) == 0 {
		return ErrRegistry.New(CodeInvalidMessage).WithDetail("reason", "no recipients")
	}
	if msg.Subject == "" {
		return ErrRegistry.New(CodeInvalidMessage).WithDetail("reason", "empty subject")
	}
	if msg.From == "" {
		msg.From = m.from
	}
	return m.provider.SendEmail(ctx, msg)
}

// SendPasswordReset mails a reset link to the given address.
func (m *Mailer) SendPasswordReset(ctx context.Context, to string, data ResetMailData) error {
	body, err := m.templates.Render(TemplatePasswordReset, data)
	if err != nil {
		return err
	}
	return m.SendEmail(ctx, EmailMessage{
		To:       []string{to},
		Subject:  "Password reset request",
		HTMLBody: body,
	})
}

// SendReuseAlert mails a security alert after a refresh token replay
// forced a global sign-out.
func (m *Mailer) SendReuseAlert(ctx context.Context, to string, data ReuseAlertData) error {
	body, err := m.templates.Render(TemplateReuseAlert, data)
	if err != nil {
		return err
	}
	return m.SendEmail(ctx, EmailMessage{
		To:       []string{to},
		Subject:  "Security alert: you were signed out everywhere",
		HTMLBody: body,
	})
}
