package source

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a fetch that failed because the upstream could not be
// reached or its response could not be parsed. An empty result is not an error.
var ErrUnavailable = errors.New("source unavailable")

// Item represents a single unit of content fetched from a source.
type Item struct {
	ID        string    // opaque, stable identifier used for cursors
	Timestamp time.Time // publication time
	SourceID  string    // account, stream or feed the item came from
	AuthorID  string    // sender email, username
	GroupKey  string    // topic/category used by the aggregator
	Addressed bool      // already mentioned or acknowledged upstream
	Payload   Payload
}

// Payload holds source-specific content.
type Payload struct {
	Text     string // caption, message body or description
	ImageURL string
	URL      string // canonical permalink
	Author   string // display name
}

// Origin is a listable origin of items, e.g. a Zulip stream.
type Origin struct {
	ID   string // the source id passed to Fetch
	Name string // human readable name
	Ref  int64  // numeric upstream id, 0 when the upstream has none
}

// Window is an inclusive time range. A zero bound is unbounded.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Adapter fetches items for one source type.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "instagram").
	Name() string

	// Fetch returns the items of sourceID inside w, newest first.
	// No items is an empty slice and a nil error.
	Fetch(ctx context.Context, sourceID string, w Window) ([]Item, error)
}

// Lister enumerates the origins an adapter can fetch from.
type Lister interface {
	List(ctx context.Context) ([]Origin, error)
}
