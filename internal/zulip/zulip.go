// Package zulip implements the parts of the Zulip REST API used by digestpipe:
// listing streams and members, reading stream history and sending messages.
package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultSendPace   = time.Second
	sendRetryLimit    = 5
	maxRetryWait      = time.Minute
	maxErrorBodyBytes = 4 << 10
	userAgent         = "digestpipe/1.0"
)

// Config configures a Client.
type Config struct {
	Site       string // host name, e.g. "chat.example.org"
	BaseURL    string // overrides https://<Site>, used by tests
	Email      string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration // per request
	SendEvery  time.Duration // minimum gap between sent messages
	Logger     *slog.Logger
}

// Client talks to one Zulip server as one bot identity.
type Client struct {
	baseURL string
	email   string
	apiKey  string
	httpc   *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	slog    *slog.Logger
	sleep   func(context.Context, time.Duration) bool
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zulip: HTTP %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// New returns a client. Site or BaseURL, Email and APIKey are required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if strings.TrimSpace(cfg.Site) == "" {
			return nil, errors.New("zulip: site is required")
		}
		base = "https://" + cfg.Site
	}
	if cfg.Email == "" || cfg.APIKey == "" {
		return nil, errors.New("zulip: email and api key are required")
	}

	c := &Client{
		baseURL: base + "/api/v1",
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		httpc:   cfg.HTTPClient,
		timeout: cfg.Timeout,
		slog:    cfg.Logger,
		sleep:   sleep,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: c.timeout}
	}
	if c.slog == nil {
		c.slog = slog.Default()
	}
	pace := cfg.SendEvery
	if pace <= 0 {
		pace = defaultSendPace
	}
	c.limiter = rate.NewLimiter(rate.Every(pace), 1)
	return c, nil
}

// Stream is a Zulip stream (channel).
type Stream struct {
	ID          int64  `json:"stream_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Message is a stream message as returned by GET /messages.
type Message struct {
	ID             int64    `json:"id"`
	SenderEmail    string   `json:"sender_email"`
	SenderFullName string   `json:"sender_full_name"`
	Timestamp      int64    `json:"timestamp"`
	Subject        string   `json:"subject"`
	Content        string   `json:"content"`
	Flags          []string `json:"flags"`
	StreamID       int64    `json:"stream_id"`
}

// HasFlag reports whether the message carries flag.
func (m Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Member is a realm user.
type Member struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsBot    bool   `json:"is_bot"`
	IsActive bool   `json:"is_active"`
}

// Streams returns the streams visible to the bot.
func (c *Client) Streams(ctx context.Context) ([]Stream, error) {
	var resp struct {
		Streams []Stream `json:"streams"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams", nil, &resp); err != nil {
		return nil, fmt.Errorf("get streams: %w", err)
	}
	return resp.Streams, nil
}

// Members returns all users of the realm.
func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var resp struct {
		Members []Member `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", nil, &resp); err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	return resp.Members, nil
}

type narrowTerm struct {
	Negated  bool   `json:"negated"`
	Operator string `json:"operator"`
	Operand  string `json:"operand"`
}

// StreamMessages returns up to limit most recent messages of a stream,
// oldest first as the API delivers them.
func (c *Client) StreamMessages(ctx context.Context, stream string, limit int) ([]Message, error) {
	narrow, err := json.Marshal([]narrowTerm{{Operator: "stream", Operand: stream}})
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("anchor", "newest")
	q.Set("num_before", strconv.Itoa(limit))
	q.Set("num_after", "0")
	q.Set("apply_markdown", "false")
	q.Set("narrow", string(narrow))

	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", stream, err)
	}
	return resp.Messages, nil
}

// SendStreamMessage posts content to stream under topic. Sends are paced and
// rate-limited responses are retried after the server supplied delay.
func (c *Client) SendStreamMessage(ctx context.Context, stream, topic, content string) error {
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("content", content)

	var err error
	for range sendRetryLimit {
		if err = c.limiter.Wait(ctx); err != nil {
			return err
		}
		err = c.do(ctx, http.MethodPost, "/messages", form, nil)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
			break
		}
		wait := min(statusErr.RetryAfter, maxRetryWait)
		c.slog.Warn("send rate limited, waiting", slog.String("stream", stream), slog.Duration("wait", wait))
		if !c.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("send message to %s/%s: %w", stream, topic, err)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.email, c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       b,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// retryAfter reads delay-seconds or an HTTP date. Anything else, or a date
// already past, waits one second.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return time.Second
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
