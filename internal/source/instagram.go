package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	instagramSourceName   = "instagram"
	instagramBaseURL      = "https://www.instagram.com"
	instagramPermalink    = "https://instagram.com/p/"
	instagramMaxPosts     = 12
	instagramFetchTimeout = 30 * time.Second
	instagramUserAgent    = "Mozilla/5.0 (compatible; digestpipe/1.0; +https://github.com/ppiankov/digestpipe)"
)

var sharedDataRe = regexp.MustCompile(`window\._sharedData = (.*);`)

// InstagramPost is one post as found in a profile page.
type InstagramPost struct {
	Shortcode string
	ImageURL  string
	Caption   string
	TakenAt   time.Time
}

// Extractor pulls posts out of a parsed profile page. Posts are returned in
// page order, which is newest first. A page without the expected data yields
// no posts and a nil error.
type Extractor func(doc *goquery.Document) ([]InstagramPost, error)

// InstagramSource scrapes recent posts from public Instagram profiles.
type InstagramSource struct {
	client   *http.Client
	baseURL  string
	maxPosts int
	timeout  time.Duration
	extract  Extractor
}

// InstagramOption configures an InstagramSource.
type InstagramOption func(*InstagramSource)

// WithExtractor replaces the embedded-data extraction strategy.
func WithExtractor(e Extractor) InstagramOption {
	return func(s *InstagramSource) { s.extract = e }
}

// WithBaseURL points the source at another host. Used by tests.
func WithBaseURL(u string) InstagramOption {
	return func(s *InstagramSource) { s.baseURL = strings.TrimRight(u, "/") }
}

// NewInstagram creates an Instagram source keeping at most maxPosts per profile.
func NewInstagram(client *http.Client, maxPosts int, timeout time.Duration, opts ...InstagramOption) *InstagramSource {
	if client == nil {
		client = &http.Client{Timeout: instagramFetchTimeout}
	}
	if maxPosts <= 0 {
		maxPosts = instagramMaxPosts
	}
	if timeout <= 0 {
		timeout = instagramFetchTimeout
	}
	s := &InstagramSource{
		client:   client,
		baseURL:  instagramBaseURL,
		maxPosts: maxPosts,
		timeout:  timeout,
		extract:  ExtractSharedData,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InstagramSource) Name() string {
	return instagramSourceName
}

// Fetch loads the profile page of username and returns its recent posts.
func (s *InstagramSource) Fetch(ctx context.Context, username string, w Window) ([]Item, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errors.New("instagram: username is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pageURL := s.baseURL + "/" + url.PathEscape(username) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("instagram: create request: %w", err)
	}
	req.Header.Set("User-Agent", instagramUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: instagram: %s: %v", ErrUnavailable, username, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: instagram: %s: HTTP %d", ErrUnavailable, username, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: instagram: parse page: %v", ErrUnavailable, err)
	}

	posts, err := s.extract(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: instagram: %s: %v", ErrUnavailable, username, err)
	}
	if len(posts) > s.maxPosts {
		posts = posts[:s.maxPosts]
	}

	items := make([]Item, 0, len(posts))
	for _, p := range posts {
		if !p.TakenAt.IsZero() && !w.Contains(p.TakenAt) {
			continue
		}
		items = append(items, Item{
			ID:        p.Shortcode,
			Timestamp: p.TakenAt,
			SourceID:  username,
			AuthorID:  username,
			GroupKey:  username,
			Payload: Payload{
				Text:     p.Caption,
				ImageURL: p.ImageURL,
				URL:      instagramPermalink + p.Shortcode,
				Author:   username,
			},
		})
	}
	return items, nil
}

type sharedData struct {
	EntryData struct {
		ProfilePage []struct {
			GraphQL struct {
				User struct {
					Timeline struct {
						Edges []struct {
							Node timelineNode `json:"node"`
						} `json:"edges"`
					} `json:"edge_owner_to_timeline_media"`
				} `json:"user"`
			} `json:"graphql"`
		} `json:"ProfilePage"`
	} `json:"entry_data"`
}

type timelineNode struct {
	Shortcode  string `json:"shortcode"`
	DisplayURL string `json:"display_url"`
	TakenAt    int64  `json:"taken_at_timestamp"`
	Caption    struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
}

// ExtractSharedData finds the window._sharedData script and decodes the
// profile timeline from it.
func ExtractSharedData(doc *goquery.Document) ([]InstagramPost, error) {
	var raw string
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if m := sharedDataRe.FindStringSubmatch(sel.Text()); m != nil {
			raw = m[1]
			return false
		}
		return true
	})
	if raw == "" {
		return nil, nil
	}

	var data sharedData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode shared data: %w", err)
	}
	if len(data.EntryData.ProfilePage) == 0 {
		return nil, nil
	}

	edges := data.EntryData.ProfilePage[0].GraphQL.User.Timeline.Edges
	posts := make([]InstagramPost, 0, len(edges))
	for _, e := range edges {
		if e.Node.Shortcode == "" {
			continue
		}
		p := InstagramPost{
			Shortcode: e.Node.Shortcode,
			ImageURL:  e.Node.DisplayURL,
		}
		if len(e.Node.Caption.Edges) > 0 {
			p.Caption = e.Node.Caption.Edges[0].Node.Text
		}
		if e.Node.TakenAt > 0 {
			p.TakenAt = time.Unix(e.Node.TakenAt, 0).UTC()
		}
		posts = append(posts, p)
	}
	return posts, nil
}
