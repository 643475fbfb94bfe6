// Package dispatch delivers rendered digests to chat streams and mailboxes.
// Delivery failures are logged and reported as false, never returned upward.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
)

// ErrFailed wraps every transport failure.
var ErrFailed = errors.New("dispatch failed")

// Destination is a chat stream and topic.
type Destination struct {
	Stream string
	Topic  string
}

func (d Destination) String() string {
	return d.Stream + "/" + d.Topic
}

// Sender posts one message to a stream topic.
type Sender interface {
	SendStreamMessage(ctx context.Context, stream, topic, content string) error
}

// Chat sends per-item messages.
type Chat struct {
	sender Sender
	slog   *slog.Logger
}

// NewChat returns a chat dispatcher using sender.
func NewChat(sender Sender, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{sender: sender, slog: logger}
}

// Send posts content to dest and reports whether it was accepted.
func (c *Chat) Send(ctx context.Context, dest Destination, content string) bool {
	if c == nil || c.sender == nil {
		return false
	}
	if dest.Stream == "" || dest.Topic == "" {
		c.slog.Error("chat dispatch failed", slog.String("destination", dest.String()), slog.String("error", "stream and topic are required"))
		return false
	}
	if err := c.sender.SendStreamMessage(ctx, dest.Stream, dest.Topic, content); err != nil {
		c.slog.Error("chat dispatch failed", slog.String("destination", dest.String()), slog.Any("error", err))
		return false
	}
	return true
}

// Recipient is one email address with an optional display name.
type Recipient struct {
	Name  string
	Email string
}

// String formats r as an RFC 5322 address.
func (r Recipient) String() string {
	return (&mail.Address{Name: r.Name, Address: r.Email}).String()
}

// ParseRecipients parses "Name <addr>" or bare addresses.
func ParseRecipients(list []string) ([]Recipient, error) {
	out := make([]Recipient, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, errors.Join(ErrFailed, err)
		}
		out = append(out, Recipient{Name: addr.Name, Email: addr.Address})
	}
	return out, nil
}

// Envelope is one composed email document.
type Envelope struct {
	From    Recipient
	To      []Recipient
	Subject string
	HTML    string
}

// Mailer submits an envelope. Every recipient must see only their own
// address in the To header.
type Mailer interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
}

// Email sends composed digests through a Mailer.
type Email struct {
	mailer Mailer
	slog   *slog.Logger
}

// NewEmail returns an email dispatcher using m.
func NewEmail(m Mailer, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{mailer: m, slog: logger}
}

// Dispatch submits env once and reports whether the transport accepted it.
func (e *Email) Dispatch(ctx context.Context, env Envelope) bool {
	if e == nil || e.mailer == nil {
		return false
	}
	if len(env.To) == 0 {
		e.slog.Error("email dispatch failed", slog.String("error", "no recipients"))
		return false
	}
	if err := e.mailer.Send(ctx, env); err != nil {
		e.slog.Error("email dispatch failed",
			slog.String("transport", e.mailer.Name()),
			slog.Int("recipients", len(env.To)),
			slog.Any("error", err),
		)
		return false
	}
	e.slog.Info("email dispatched",
		slog.String("transport", e.mailer.Name()),
		slog.Int("recipients", len(env.To)),
		slog.String("subject", env.Subject),
	)
	return true
}
