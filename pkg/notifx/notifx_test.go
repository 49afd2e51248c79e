package notifx_test

import (
	"context"
	"strings"
	"testing"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/notifx"
)

type capturingSender struct {
	sent []notifx.EmailMessage
}

func (s *capturingSender) SendEmail(_ context.Context, msg notifx.EmailMessage) error {
	s.sent = append(s.sent, msg)
	return nil
}

func TestPasswordResetMail(t *testing.T) {
	sender := &capturingSender{}
	mailer := notifx.NewMailer(sender, "noreply@quantrail.io", "Quantrail")

	err := mailer.SendPasswordReset(context.Background(), "trader@example.com", notifx.ResetMailData{
		DisplayName: "Ada",
		ResetLink:   "https://app.quantrail.io/reset?token=abc",
		ExpiresIn:   "30 minutes",
	})
	if err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.From != "Quantrail <noreply@quantrail.io>" {
		t.Fatalf("from = %q", msg.From)
	}
	if msg.To[0] != "trader@example.com" {
		t.Fatalf("to = %v", msg.To)
	}
	if !strings.Contains(msg.HTMLBody, "https://app.quantrail.io/reset?token=abc") {
		t.Fatal("reset link missing from body")
	}
	if !strings.Contains(msg.HTMLBody, "30 minutes") {
		t.Fatal("expiry missing from body")
	}
}

func TestReuseAlertMail(t *testing.T) {
	sender := &capturingSender{}
	mailer := notifx.NewMailer(sender, "noreply@quantrail.io", "")

	err := mailer.SendReuseAlert(context.Background(), "trader@example.com", notifx.ReuseAlertData{
		DisplayName: "Ada",
		IP:          "203.0.113.9",
		DetectedAt:  "2026-08-24 10:00 UTC",
	})
	if err != nil {
		t.Fatalf("SendReuseAlert: %v", err)
	}
	msg := sender.sent[0]
	if msg.From != "noreply@quantrail.io" {
		t.Fatalf("from = %q", msg.From)
	}
	if !strings.Contains(msg.HTMLBody, "203.0.113.9") {
		t.Fatal("source IP missing from body")
	}
	if !strings.Contains(msg.Subject, "Security alert") {
		t.Fatalf("subject = %q", msg.Subject)
	}
}

func TestRejectsEmptyMessage(t *testing.T) {
	mailer := notifx.NewMailer(&capturingSender{}, "noreply@quantrail.io", "")

	err := mailer.SendEmail(context.Background(), notifx.EmailMessage{Subject: "hi"})
	var e *errx.Error
	if !errx.As(err, &e) || e.Code != notifx.CodeInvalidMessage.Code {
		t.Fatalf("err = %v, want %s", err, notifx.CodeInvalidMessage.Code)
	}

	err = mailer.SendEmail(context.Background(), notifx.EmailMessage{To: []string{"a@b.c"}})
	if !errx.As(err, &e) || e.Code != notifx.CodeInvalidMessage.Code {
		t.Fatalf("err = %v, want %s", err, notifx.CodeInvalidMessage.Code)
	}
}

func TestTemplateEscapesHTML(t *testing.T) {
	sender := &capturingSender{}
	mailer := notifx.NewMailer(sender, "noreply@quantrail.io", "")

	err := mailer.SendReuseAlert(context.Background(), "trader@example.com", notifx.ReuseAlertData{
		DisplayName: "<script>alert(1)</script>",
	})
	if err != nil {
		t.Fatalf("SendReuseAlert: %v", err)
	}
	if strings.Contains(sender.sent[0].HTMLBody, "<script>") {
		t.Fatal("display name was not escaped")
	}
}

func TestTemplateOverride(t *testing.T) {
	sender := &capturingSender{}
	mailer := notifx.NewMailer(sender, "noreply@quantrail.io", "")

	if err := mailer.Templates().Register(notifx.TemplatePasswordReset, "custom {{.ResetLink}}"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mailer.SendPasswordReset(context.Background(), "a@b.c", notifx.ResetMailData{ResetLink: "x"}); err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}
	if sender.sent[0].HTMLBody != "custom x" {
		t.Fatalf("body = %q", sender.sent[0].HTMLBody)
	}
}
