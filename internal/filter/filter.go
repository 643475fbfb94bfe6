// Package filter decides which fetched items a run should consider.
package filter

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/digestpipe/internal/source"
)

// Mute drops items by author, group or content.
type Mute struct {
	Authors  []string
	Groups   []string
	Keywords []string // case-insensitive substring match on the item text
	Patterns []*regexp.Regexp
}

// Options controls a single Apply call.
type Options struct {
	Window source.Window
	Self   string // the pipeline's own author id
	Mute   Mute

	// TrackCursor enables identifier-cursor deduplication. Cursor is the id of
	// the last dispatched item, empty when the source has never been run.
	TrackCursor bool
	Cursor      string
	CursorTime  time.Time
}

// Stats counts why items were dropped.
type Stats struct {
	Fetched     int
	OutOfWindow int
	Ignored     int // self-authored or already addressed
	Muted       int
	Seen        int // at or before the cursor, or older than the first-run item

	// CursorMissing is set when the cursor id was not among the fetched items.
	CursorMissing bool
}

// Result is the outcome of Apply.
type Result struct {
	Items []source.Item
	Stats Stats
}

// Apply filters items, which must be ordered newest first. Rules run in order:
// window, own identity and addressed items, mute rules, cursor position.
// With TrackCursor and no cursor only the newest remaining item is kept.
// When the cursor id is not found, items strictly newer than CursorTime are
// kept; without a CursorTime the call behaves like a first run.
func Apply(items []source.Item, opts Options) Result {
	res := Result{Stats: Stats{Fetched: len(items)}}

	cursorAt := -1
	if opts.TrackCursor && opts.Cursor != "" {
		cursorAt = slices.IndexFunc(items, func(it source.Item) bool {
			return it.ID == opts.Cursor
		})
		res.Stats.CursorMissing = cursorAt < 0
	}
	byTime := res.Stats.CursorMissing && !opts.CursorTime.IsZero()
	firstRun := opts.TrackCursor && (opts.Cursor == "" || (res.Stats.CursorMissing && !byTime))

	for i, it := range items {
		switch {
		case !opts.Window.Contains(it.Timestamp):
			res.Stats.OutOfWindow++
		case it.Addressed || (opts.Self != "" && it.AuthorID == opts.Self):
			res.Stats.Ignored++
		case opts.Mute.matches(it):
			res.Stats.Muted++
		case cursorAt >= 0 && i >= cursorAt:
			res.Stats.Seen++
		case byTime && !it.Timestamp.After(opts.CursorTime):
			res.Stats.Seen++
		case firstRun && len(res.Items) == 1:
			res.Stats.Seen++
		default:
			res.Items = append(res.Items, it)
		}
	}
	return res
}

func (m Mute) matches(it source.Item) bool {
	if it.AuthorID != "" && slices.Contains(m.Authors, it.AuthorID) {
		return true
	}
	if it.GroupKey != "" && slices.Contains(m.Groups, it.GroupKey) {
		return true
	}
	if len(m.Keywords) > 0 {
		lower := strings.ToLower(it.Payload.Text)
		for _, kw := range m.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	for _, re := range m.Patterns {
		if re.MatchString(it.Payload.Text) {
			return true
		}
	}
	return false
}
