// Package notification delivers the transactional emails behind the
// account flows: login verification codes, password reset links, welcome
// mail for provisioned accounts, and deletion confirmations.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Template IDs for the built-in messages.
const (
	TemplateLoginCode          = "login-code"
	TemplatePasswordReset      = "password-reset"
	TemplateAccountProvisioned = "account-provisioned"
	TemplateAccountDeleted     = "account-deleted"
)

// EmailSender is the transport used to deliver a rendered message.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template defines a reusable message with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateLoginCode,
			Subject: "Your verification code",
			Body:    "Your login verification code is {{code}}. It expires in 5 minutes. If you did not try to sign in, you can ignore this message.",
		},
		{
			ID:      TemplatePasswordReset,
			Subject: "Password reset request",
			Body:    "You requested a password reset. Use the following link to choose a new password: {{reset_link}}. The link is valid for {{valid_for}}.",
		},
		{
			ID:      TemplateAccountProvisioned,
			Subject: "Welcome to {{org_name}}",
			Body:    "An account has been created for you, {{name}}. Set your password using the following link: {{reset_link}}. The link is valid for {{valid_for}}.",
		},
		{
			ID:      TemplateAccountDeleted,
			Subject: "Your account has been deleted",
			Body:    "Your account and its associated records have been permanently removed. If this was not you, contact your administrator immediately.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using
// the supplied data map. Keys present in the template but absent from
// data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Mailer renders templates and delivers them with bounded retry. Delivery
// failures are reported to the caller and logged; they never roll back
// the database write that triggered the email.
type Mailer struct {
	sender    EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger

	maxAttempts int
	backoff     time.Duration
}

// NewMailer constructs a Mailer with three delivery attempts and a
// doubling backoff starting at one second.
func NewMailer(sender EmailSender, templates *TemplateEngine, logger zerolog.Logger) *Mailer {
	return &Mailer{
		sender:      sender,
		templates:   templates,
		logger:      logger,
		maxAttempts: 3,
		backoff:     time.Second,
	}
}

// Send renders the template and attempts delivery, retrying transient
// failures with exponential backoff until the attempt budget runs out or
// the context is canceled.
func (m *Mailer) Send(ctx context.Context, templateID string, data map[string]string, recipient string) error {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	delay := m.backoff
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.sender.SendEmail(ctx, recipient, subject, body)
		if lastErr == nil {
			return nil
		}

		m.logger.Warn().
			Err(lastErr).
			Str("template", templateID).
			Str("recipient", recipient).
			Int("attempt", attempt).
			Msg("email delivery failed")

		if attempt == m.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("send %s to %s: %w", templateID, recipient, lastErr)
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string

	// FailFirst makes the first N calls fail before succeeding, for
	// exercising retry paths.
	FailFirst int
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	if m.FailFirst > 0 && len(m.calls) <= m.FailFirst {
		return errors.New("transient failure")
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
