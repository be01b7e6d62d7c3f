// Package notify delivers healing notifications by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	DefaultHost  = "https://api.sendgrid.com"
	sendEndpoint = "/v3/mail/send"
)

var ErrNotConfigured = errors.New("email delivery not configured")

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SendGrid struct {
	apiKey      string
	fromName    string
	fromAddress string
	host        string
	logger      *slog.Logger
}

type Option func(*SendGrid)

// WithHost points the client at another API host.
func WithHost(host string) Option {
	return func(s *SendGrid) { s.host = host }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *SendGrid) { s.logger = logger }
}

func NewSendGrid(apiKey, fromName, fromAddress string, opts ...Option) *SendGrid {
	s := &SendGrid{
		apiKey:      apiKey,
		fromName:    fromName,
		fromAddress: fromAddress,
		host:        DefaultHost,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SendGrid) Send(ctx context.Context, to, subject, body string) error {
	if s.apiKey == "" || s.fromAddress == "" {
		return ErrNotConfigured
	}
	if to == "" {
		return errors.New("missing recipient")
	}

	from := mail.NewEmail(s.fromName, s.fromAddress)
	msg := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, body)

	req := sendgrid.GetRequest(s.apiKey, sendEndpoint, s.host)
	req.Method = rest.Post
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", resp.StatusCode)
	}

	s.logger.Info("email sent", "to", to, "status", resp.StatusCode)
	return nil
}

// HealFailure renders the notification for a failed healing attempt.
func HealFailure(workflow, errorType, fixKind, reason string) (subject, body string) {
	subject = fmt.Sprintf("[ci-healer] could not heal %s", workflow)
	body = fmt.Sprintf("Workflow: %s\nError type: %s\nAttempted fix: %s\nReason: %s\n", workflow, errorType, fixKind, reason)
	return subject, body
}
