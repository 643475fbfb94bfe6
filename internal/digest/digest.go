// Package digest groups, ranks and renders the items collected by a run.
package digest

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/ppiankov/digestpipe/internal/source"
	"github.com/ppiankov/digestpipe/internal/summarize"
)

// Group is the set of items sharing a group key, in fetch order.
type Group struct {
	Key   string
	Items []source.Item
	Count int
}

// Latest returns the most recent item of the group.
func (g Group) Latest() source.Item {
	var latest source.Item
	for i, it := range g.Items {
		if i == 0 || it.Timestamp.After(latest.Timestamp) {
			latest = it
		}
	}
	return latest
}

// Participants returns the number of distinct authors in the group.
func (g Group) Participants() int {
	seen := make(map[string]struct{}, len(g.Items))
	for _, it := range g.Items {
		seen[it.AuthorID] = struct{}{}
	}
	return len(seen)
}

// Section is one source with its groups.
type Section struct {
	Origin source.Origin
	Groups []Group
	Total  int
}

// Run is everything one digest execution renders.
type Run struct {
	ID       string
	Site     string
	Title    string
	Window   source.Window
	Sections []Section
}

// Total returns the number of items across all sections.
func (r Run) Total() int {
	n := 0
	for _, s := range r.Sections {
		n += s.Total
	}
	return n
}

// Formatter writes a rendered digest to w.
type Formatter interface {
	Format(w io.Writer, run Run) error
}

// Title builds the digest title, e.g. "chat.example.org weekly summary (02 Jan to 09 Jan)".
func Title(site string, w source.Window) string {
	return fmt.Sprintf("%s weekly summary (%s to %s)", site, w.Start.Format(dayMonth), w.End.Format(dayMonth))
}

const dayMonth = "02 Jan"

// GroupItems buckets items by GroupKey. Groups appear in the order their key
// was first seen and items keep their input order.
func GroupItems(items []source.Item) []Group {
	var groups []Group
	index := make(map[string]int)
	for _, it := range items {
		i, ok := index[it.GroupKey]
		if !ok {
			i = len(groups)
			index[it.GroupKey] = i
			groups = append(groups, Group{Key: it.GroupKey})
		}
		groups[i].Items = append(groups[i].Items, it)
		groups[i].Count++
	}
	return groups
}

// NewSection groups the items of one origin.
func NewSection(origin source.Origin, items []source.Item) Section {
	return Section{
		Origin: origin,
		Groups: GroupItems(items),
		Total:  len(items),
	}
}

// RankGroups orders groups by item count, largest first. Ties keep their
// input order. The input is not modified.
func RankGroups(groups []Group) []Group {
	ranked := slices.Clone(groups)
	slices.SortStableFunc(ranked, func(a, b Group) int {
		return b.Count - a.Count
	})
	return ranked
}

// RankSections orders sections by total item count, largest first, and ranks
// the groups inside each. Ties keep their input order.
func RankSections(sections []Section) []Section {
	ranked := make([]Section, len(sections))
	for i, s := range sections {
		s.Groups = RankGroups(s.Groups)
		ranked[i] = s
	}
	slices.SortStableFunc(ranked, func(a, b Section) int {
		return b.Total - a.Total
	})
	return ranked
}

// preview summarizes the latest item of g.
func preview(s summarize.Summarizer, g Group) string {
	if s == nil || len(g.Items) == 0 {
		return ""
	}
	return s.Summarize(g.Latest().Payload.Text).Preview
}

func defaultSummarizer(s summarize.Summarizer) summarize.Summarizer {
	if s == nil {
		return &summarize.HeuristicSummarizer{}
	}
	return s
}

func formatWindow(w source.Window) (start, end string) {
	return formatStamp(w.Start), formatStamp(w.End)
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
