package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

const smtpTimeout = 30 * time.Second

// SMTPMailer sends one SMTP transaction per recipient. Every transaction,
// from dial to QUIT, runs under a deadline.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration

	send func(ctx context.Context, addr, from, to string, msg []byte) error
}

// NewSMTP creates a mailer. Auth is skipped when username is empty.
func NewSMTP(host string, port int, username, password string, timeout time.Duration) (*SMTPMailer, error) {
	if strings.TrimSpace(host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if port <= 0 {
		port = 587
	}
	if timeout <= 0 {
		timeout = smtpTimeout
	}
	m := &SMTPMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		timeout:  timeout,
	}
	m.send = m.transact
	return m, nil
}

func (m *SMTPMailer) Name() string { return "smtp" }

// Send stops at the first failed recipient.
func (m *SMTPMailer) Send(ctx context.Context, env Envelope) error {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	for i, r := range env.To {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: smtp: %d of %d sent: %v", ErrFailed, i, len(env.To), err)
		}
		msg := composeMessage(env.From, r, env.Subject, env.HTML)
		if err := m.send(ctx, addr, env.From.Email, r.Email, msg); err != nil {
			return fmt.Errorf("%w: smtp: send to %s: %v", ErrFailed, r.Email, err)
		}
	}
	return nil
}

// transact delivers msg to one recipient over a fresh connection.
func (m *SMTPMailer) transact(ctx context.Context, addr, from, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return err
	}
	// Cancellation interrupts a blocked read or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		_ = conn.Close()
		return ctxErr(ctx, err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return ctxErr(ctx, fmt.Errorf("starttls: %w", err))
		}
	}
	if m.username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
			return ctxErr(ctx, fmt.Errorf("auth: %w", err))
		}
	}
	if err := c.Mail(from); err != nil {
		return ctxErr(ctx, fmt.Errorf("mail from: %w", err))
	}
	if err := c.Rcpt(to); err != nil {
		return ctxErr(ctx, fmt.Errorf("rcpt to: %w", err))
	}
	w, err := c.Data()
	if err != nil {
		return ctxErr(ctx, fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(msg); err != nil {
		return ctxErr(ctx, fmt.Errorf("data: %w", err))
	}
	if err := w.Close(); err != nil {
		return ctxErr(ctx, fmt.Errorf("data: %w", err))
	}
	return ctxErr(ctx, c.Quit())
}

// ctxErr prefers the context error when the deadline cut a call short.
func ctxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w (%v)", cerr, err)
	}
	return err
}

func composeMessage(from, to Recipient, subject, html string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(html)
	return []byte(b.String())
}
