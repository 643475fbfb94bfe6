package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridEndpoint = "/v3/mail/send"
	sendgridTimeout  = 30 * time.Second
	maxErrorBody     = 512
)

// SendGridMailer submits through the SendGrid v3 API. Each recipient gets
// its own personalization so no address is shown to the others.
type SendGridMailer struct {
	apiKey  string
	host    string
	timeout time.Duration
}

// NewSendGrid creates a mailer. An empty host uses the public API.
func NewSendGrid(apiKey, host string, timeout time.Duration) (*SendGridMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("sendgrid: api key is required")
	}
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	if timeout <= 0 {
		timeout = sendgridTimeout
	}
	return &SendGridMailer{apiKey: apiKey, host: strings.TrimRight(host, "/"), timeout: timeout}, nil
}

func (m *SendGridMailer) Name() string { return "sendgrid" }

// Send posts env as a single request.
func (m *SendGridMailer) Send(ctx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req := sendgrid.GetRequest(m.apiKey, sendgridEndpoint, m.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(buildSendGridMail(env))

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: sendgrid: %v", ErrFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := resp.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("%w: sendgrid: HTTP %d: %s", ErrFailed, resp.StatusCode, strings.TrimSpace(body))
	}
	return nil
}

func buildSendGridMail(env Envelope) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(env.From.Name, env.From.Email))
	m.Subject = env.Subject
	m.AddContent(mail.NewContent("text/html", env.HTML))

	for _, r := range env.To {
		p := mail.NewPersonalization()
		p.AddTos(mail.NewEmail(r.Name, r.Email))
		m.AddPersonalizations(p)
	}
	return m
}
