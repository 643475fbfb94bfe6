package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	rssSourceName   = "rss"
	rssFetchTimeout = 30 * time.Second
	rssUserAgent    = "Mozilla/5.0 (compatible; digestpipe/1.0; +https://github.com/ppiankov/digestpipe)"
	rssAttempts     = 3
	rssBackoff      = time.Second
	rssMaxTextRunes = 1000
)

// RSSSource fetches entries of RSS and Atom feeds. The source id is the
// feed URL; entries are grouped under the feed title.
type RSSSource struct {
	client   *http.Client
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// NewRSS creates a feed source with a per-request timeout.
func NewRSS(timeout time.Duration) *RSSSource {
	if timeout <= 0 {
		timeout = rssFetchTimeout
	}
	return &RSSSource{
		timeout:  timeout,
		attempts: rssAttempts,
		backoff:  rssBackoff,
		client: &http.Client{
			Timeout:   timeout,
			Transport: userAgentTransport{base: http.DefaultTransport, agent: rssUserAgent},
		},
	}
}

func (rs *RSSSource) Name() string {
	return rssSourceName
}

// Fetch parses feedURL and returns its entries inside w, newest first.
// Entries without a date are skipped since no cursor could order them.
func (rs *RSSSource) Fetch(ctx context.Context, feedURL string, w Window) ([]Item, error) {
	feed, err := rs.fetchWithRetry(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: rss: %v", ErrUnavailable, err)
	}
	return itemsFromFeed(feed, feedURL, w), nil
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// fetchWithRetry retries throttling, server and network errors with
// exponential backoff plus jitter.
func (rs *RSSSource) fetchWithRetry(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	var err error
	for attempt := range rs.attempts {
		if attempt > 0 {
			if !sleepBackoff(ctx, rs.backoff, attempt) {
				return nil, ctx.Err()
			}
		}

		var feed *gofeed.Feed
		feed, err = rs.fetchFeed(ctx, feedURL)
		if err == nil {
			return feed, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", rs.attempts, err)
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) bool {
	if base <= 0 {
		return ctx.Err() == nil
	}
	delay := base<<(attempt-1) + rand.N(base)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryable reports whether a fetch error is worth another attempt:
// 429, 5xx and transport failures are, other statuses and parse errors are not.
func retryable(err error) bool {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (rs *RSSSource) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	fp := gofeed.NewParser()
	fp.Client = rs.client
	feed, err := fp.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feedURL, err)
	}
	return feed, nil
}

func itemsFromFeed(feed *gofeed.Feed, feedURL string, w Window) []Item {
	group := feedURL
	if t := strings.TrimSpace(feed.Title); t != "" {
		group = t
	}

	var items []Item
	for _, entry := range feed.Items {
		postedAt := entryTime(entry)
		if postedAt.IsZero() || !w.Contains(postedAt) {
			continue
		}

		var author string
		if entry.Author != nil {
			author = entry.Author.Name
		}
		items = append(items, Item{
			ID:        entryID(entry),
			Timestamp: postedAt,
			SourceID:  feedURL,
			AuthorID:  author,
			GroupKey:  group,
			Payload: Payload{
				Text:     entryText(entry),
				ImageURL: entryImage(entry),
				URL:      entry.Link,
				Author:   author,
			},
		})
	}

	slices.SortStableFunc(items, func(a, b Item) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return items
}

func entryTime(e *gofeed.Item) time.Time {
	switch {
	case e.PublishedParsed != nil:
		return e.PublishedParsed.UTC()
	case e.UpdatedParsed != nil:
		return e.UpdatedParsed.UTC()
	}
	return time.Time{}
}

func entryID(e *gofeed.Item) string {
	if e.GUID != "" {
		return e.GUID
	}
	return e.Link
}

func entryImage(e *gofeed.Item) string {
	if e.Image != nil && e.Image.URL != "" {
		return e.Image.URL
	}
	for _, enc := range e.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}

// entryText is the title followed by the body as plain text. The title is
// left out when the body already opens with it.
func entryText(e *gofeed.Item) string {
	body := e.Content
	if body == "" {
		body = e.Description
	}
	body = truncateRunes(plainText(body), rssMaxTextRunes)

	title := strings.TrimSpace(e.Title)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	case strings.HasPrefix(body, title):
		return body
	}
	return title + "\n\n" + body
}

// plainText renders an HTML fragment as text with one blank line between
// paragraphs.
func plainText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, blockquote, pre, h1, h2, h3, h4").AppendHtml("\n\n")
	return collapseLines(doc.Text())
}

func collapseLines(s string) string {
	var out []string
	gap := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			gap = len(out) > 0
			continue
		}
		if gap {
			out = append(out, "")
			gap = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}
