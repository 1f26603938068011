// Package notify delivers operator alerts by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/wolfman30/groundguard/pkg/logging"
)

// EmailSender delivers one plain-text alert. SES and SendGrid both implement it.
type EmailSender interface {
	Send(ctx context.Context, alert Alert) error
}

// Alert is a plain-text message to one or more operators. Category is passed
// to the provider as a tag so alert mail can be filtered and counted there.
type Alert struct {
	To       []string
	Subject  string
	Body     string
	Category string
}

func (a Alert) validate() error {
	if len(a.To) == 0 {
		return errors.New("notify: alert has no recipients")
	}
	if strings.TrimSpace(a.Subject) == "" {
		return errors.New("notify: alert has no subject")
	}
	return nil
}

// ParseRecipients splits a comma separated address list, dropping blanks and
// repeats.
func ParseRecipients(raw string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

const defaultFromName = "Groundguard"

// Sender identifies the From address used by every provider.
type Sender struct {
	Email string
	Name  string
}

func (s Sender) withDefaults() Sender {
	if s.Name == "" {
		s.Name = defaultFromName
	}
	return s
}

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*sendgridResponse, error)
}

// sendgridResponse mirrors the fields of rest.Response the sender inspects.
type sendgridResponse struct {
	StatusCode int
	Body       string
}

type sendgridClient struct {
	client *sendgrid.Client
}

func (c sendgridClient) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*sendgridResponse, error) {
	resp, err := c.client.SendWithContext(ctx, email)
	if err != nil {
		return nil, err
	}
	return &sendgridResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// SendGridSender sends through the SendGrid v3 API, one personalization per
// alert so every operator sees the full recipient list.
type SendGridSender struct {
	api    sendgridAPI
	from   Sender
	logger *logging.Logger
}

// NewSendGridSender returns nil without an API key.
func NewSendGridSender(apiKey string, from Sender, logger *logging.Logger) *SendGridSender {
	if apiKey == "" {
		return nil
	}
	return newSendGridSender(sendgridClient{client: sendgrid.NewSendClient(apiKey)}, from, logger)
}

func newSendGridSender(api sendgridAPI, from Sender, logger *logging.Logger) *SendGridSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &SendGridSender{api: api, from: from.withDefaults(), logger: logger}
}

func buildSendGridMail(from Sender, alert Alert) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(from.Name, from.Email))
	m.Subject = alert.Subject

	p := mail.NewPersonalization()
	for _, addr := range alert.To {
		p.AddTos(mail.NewEmail("", addr))
	}
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", alert.Body))
	if alert.Category != "" {
		m.AddCategories(alert.Category)
	}
	return m
}

func (s *SendGridSender) Send(ctx context.Context, alert Alert) error {
	if s == nil || s.api == nil {
		return errors.New("notify: sendgrid client not configured")
	}
	if err := alert.validate(); err != nil {
		return err
	}

	resp, err := s.api.SendWithContext(ctx, buildSendGridMail(s.from, alert))
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "recipients", len(alert.To))
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected alert", "status", resp.StatusCode, "body", resp.Body)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}

	s.logger.Info("alert sent via sendgrid", "category", alert.Category, "recipients", len(alert.To), "status", resp.StatusCode)
	return nil
}

// LogSender logs instead of sending, for local runs without a mail provider.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, alert Alert) error {
	s.logger.Warn("alert not emailed: no provider configured", "category", alert.Category, "subject", alert.Subject)
	return nil
}

var (
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*LogSender)(nil)
)
