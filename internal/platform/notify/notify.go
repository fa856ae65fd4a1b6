// Package notify dispatches the transactional messages the credential
// flows produce: verification codes and password-reset links. Delivery
// backends hide behind small sender interfaces; templates are plain
// {{key}} substitution.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// EmailSender delivers one email message.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers one SMS message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Built-in template ids.
const (
	TemplateVerificationEmail = "verification-email"
	TemplateVerificationSMS   = "verification-sms"
	TemplatePasswordReset     = "password-reset"
)

// Template is one reusable message shape.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine stores templates and renders them with {{key}}
// replacement. Keys present in the template but absent from the data are
// left as-is.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TemplateVerificationEmail,
			Subject: "Verify your email address",
			Body:    "Your verification code is {{code}}. It expires in 24 hours.",
		},
		{
			ID:      TemplateVerificationSMS,
			Body:    "Your verification code is {{code}}. It expires in 24 hours.",
		},
		{
			ID:      TemplatePasswordReset,
			Subject: "Password reset request",
			Body:    "You requested a password reset. Use this link within 30 minutes: {{reset_link}}",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render looks up a template by id and substitutes data into subject and
// body.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("notify: template %q not found", templateID)
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

// Manager renders and dispatches the credential-flow messages.
type Manager struct {
	email        EmailSender
	sms          SMSSender
	templates    *TemplateEngine
	resetBaseURL string
}

func NewManager(email EmailSender, sms SMSSender, templates *TemplateEngine, resetBaseURL string) *Manager {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Manager{email: email, sms: sms, templates: templates, resetBaseURL: resetBaseURL}
}

// SendVerificationCode dispatches a contact-verification code over the
// named channel ("email" or "phone").
func (m *Manager) SendVerificationCode(ctx context.Context, recipient, channel, code string) error {
	data := map[string]string{"code": code}
	if channel == "phone" {
		_, body, err := m.templates.Render(TemplateVerificationSMS, data)
		if err != nil {
			return err
		}
		return m.sms.SendSMS(ctx, recipient, body)
	}
	subject, body, err := m.templates.Render(TemplateVerificationEmail, data)
	if err != nil {
		return err
	}
	return m.email.SendEmail(ctx, recipient, subject, body)
}

// SendPasswordReset mails a single-use reset link built from the token.
func (m *Manager) SendPasswordReset(ctx context.Context, email, resetToken string) error {
	link := m.resetBaseURL + "?token=" + url.QueryEscape(resetToken)
	subject, body, err := m.templates.Render(TemplatePasswordReset, map[string]string{"reset_link": link})
	if err != nil {
		return err
	}
	return m.email.SendEmail(ctx, email, subject, body)
}

// LogSender writes messages to the log instead of delivering them. For
// development only: bodies carry codes and links that must never reach
// production logs.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.log.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email (dev sender)")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.log.Info().Str("to", to).Str("body", body).Msg("sms (dev sender)")
	return nil
}
