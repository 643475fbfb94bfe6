package filter

import (
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/digestpipe/internal/source"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// newestFirst builds items whose ids are given newest first, one hour apart.
func newestFirst(ids ...string) []source.Item {
	items := make([]source.Item, len(ids))
	for i, id := range ids {
		items[i] = source.Item{
			ID:        id,
			Timestamp: base.Add(-time.Duration(i) * time.Hour),
			AuthorID:  "someone",
			GroupKey:  "general",
			Payload:   source.Payload{Text: "post " + id},
		}
	}
	return items
}

func ids(items []source.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestApply_Cursor(t *testing.T) {
	tests := []struct {
		name    string
		items   []source.Item
		opts    Options
		want    []string
		seen    int
		missing bool
	}{
		{
			name:  "first run keeps newest only",
			items: newestFirst("e", "d", "c", "b", "a"),
			opts:  Options{TrackCursor: true},
			want:  []string{"e"},
			seen:  4,
		},
		{
			name:  "cursor in middle",
			items: newestFirst("c", "b", "a"),
			opts:  Options{TrackCursor: true, Cursor: "b"},
			want:  []string{"c"},
			seen:  2,
		},
		{
			name:  "cursor is newest",
			items: newestFirst("c", "b", "a"),
			opts:  Options{TrackCursor: true, Cursor: "c"},
			want:  []string{},
			seen:  3,
		},
		{
			name:  "cursor is oldest",
			items: newestFirst("d", "c", "b", "a"),
			opts:  Options{TrackCursor: true, Cursor: "a"},
			want:  []string{"d", "c", "b"},
			seen:  1,
		},
		{
			name:    "cursor aged out, fall back to time",
			items:   newestFirst("z", "y", "x"),
			opts:    Options{TrackCursor: true, Cursor: "w", CursorTime: base.Add(-90 * time.Minute)},
			want:    []string{"z", "y"},
			seen:    1,
			missing: true,
		},
		{
			name:    "cursor aged out without time acts as first run",
			items:   newestFirst("z", "y", "x"),
			opts:    Options{TrackCursor: true, Cursor: "w"},
			want:    []string{"z"},
			seen:    2,
			missing: true,
		},
		{
			name:  "no cursor tracking keeps everything",
			items: newestFirst("c", "b", "a"),
			opts:  Options{},
			want:  []string{"c", "b", "a"},
		},
		{
			name:  "empty input",
			items: nil,
			opts:  Options{TrackCursor: true},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Apply(tt.items, tt.opts)
			if diff := cmp.Diff(tt.want, ids(res.Items)); diff != "" {
				t.Errorf("items mismatch (-want +got):\n%s", diff)
			}
			if res.Stats.Seen != tt.seen {
				t.Errorf("seen = %d, want %d", res.Stats.Seen, tt.seen)
			}
			if res.Stats.CursorMissing != tt.missing {
				t.Errorf("cursor missing = %v, want %v", res.Stats.CursorMissing, tt.missing)
			}
		})
	}
}

func TestApply_RuleOrder(t *testing.T) {
	items := newestFirst("g", "f", "e", "d", "c", "b", "a")
	items[1].AuthorID = "bot@example.org"               // f: self
	items[2].Addressed = true                           // e: already mentioned
	items[3].GroupKey = "offtopic"                      // d: muted group
	items[4].Payload.Text = "Weekly STANDUP notes"      // c: muted keyword
	items[5].Payload.Text = "build #1234 failed"        // b: muted pattern
	items[6].Timestamp = base.Add(-30 * 24 * time.Hour) // a: outside window

	opts := Options{
		Window: source.Window{Start: base.Add(-7 * 24 * time.Hour), End: base},
		Self:   "bot@example.org",
		Mute: Mute{
			Groups:   []string{"offtopic"},
			Keywords: []string{"standup"},
			Patterns: []*regexp.Regexp{regexp.MustCompile(`build #\d+ failed`)},
		},
	}

	res := Apply(items, opts)
	if diff := cmp.Diff([]string{"g"}, ids(res.Items)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	want := Stats{Fetched: 7, OutOfWindow: 1, Ignored: 2, Muted: 3}
	if diff := cmp.Diff(want, res.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_CursorAfterOtherRules(t *testing.T) {
	// The newest item is self-authored, so the first run keeps the next one.
	items := newestFirst("c", "b", "a")
	items[0].AuthorID = "me"

	res := Apply(items, Options{Self: "me", TrackCursor: true})
	if diff := cmp.Diff([]string{"b"}, ids(res.Items)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_MutedAuthor(t *testing.T) {
	items := newestFirst("b", "a")
	items[0].AuthorID = "noisy@example.org"

	res := Apply(items, Options{Mute: Mute{Authors: []string{"noisy@example.org"}}})
	if diff := cmp.Diff([]string{"a"}, ids(res.Items)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_DoesNotModifyInput(t *testing.T) {
	items := newestFirst("c", "b", "a")
	before := append([]source.Item(nil), items...)

	_ = Apply(items, Options{TrackCursor: true, Cursor: "b"})
	if diff := cmp.Diff(before, items); diff != "" {
		t.Errorf("input modified (-want +got):\n%s", diff)
	}
}
