package digest

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/digestpipe/internal/source"
)

var t0 = time.Date(2026, 1, 9, 12, 0, 0, 0, time.UTC)

func msg(id, topic, author string, age time.Duration, text string) source.Item {
	return source.Item{
		ID:        id,
		Timestamp: t0.Add(-age),
		AuthorID:  author,
		GroupKey:  topic,
		Payload:   source.Payload{Text: text},
	}
}

// topicItems returns n items in topic, newest first.
func topicItems(prefix, topic string, n int) []source.Item {
	items := make([]source.Item, n)
	for i := range items {
		items[i] = msg(fmt.Sprintf("%s%d", prefix, i), topic, fmt.Sprintf("user%d@x.org", i%2), time.Duration(i)*time.Hour, "message")
	}
	return items
}

func groupKeys(groups []Group) []string {
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		keys = append(keys, g.Key)
	}
	return keys
}

func sectionNames(sections []Section) []string {
	names := make([]string, 0, len(sections))
	for _, s := range sections {
		names = append(names, s.Origin.Name)
	}
	return names
}

func TestGroupItems_DiscoveryOrder(t *testing.T) {
	items := []source.Item{
		msg("1", "ideas", "a", 0, ""),
		msg("2", "bugs", "b", time.Hour, ""),
		msg("3", "ideas", "c", 2*time.Hour, ""),
		msg("4", "release", "a", 3*time.Hour, ""),
		msg("5", "bugs", "a", 4*time.Hour, ""),
	}

	groups := GroupItems(items)
	if diff := cmp.Diff([]string{"ideas", "bugs", "release"}, groupKeys(groups)); diff != "" {
		t.Fatalf("group order mismatch (-want +got):\n%s", diff)
	}

	var ideas []string
	for _, it := range groups[0].Items {
		ideas = append(ideas, it.ID)
	}
	if diff := cmp.Diff([]string{"1", "3"}, ideas); diff != "" {
		t.Errorf("items within group should keep fetch order (-want +got):\n%s", diff)
	}

	total := 0
	for _, g := range groups {
		if g.Count != len(g.Items) {
			t.Errorf("group %s count = %d, items = %d", g.Key, g.Count, len(g.Items))
		}
		total += g.Count
	}
	if total != len(items) {
		t.Errorf("grouped %d items, want %d", total, len(items))
	}
}

func TestGroupItems_Empty(t *testing.T) {
	if groups := GroupItems(nil); len(groups) != 0 {
		t.Fatalf("got %d groups, want 0", len(groups))
	}
}

func TestRankGroups_StableTies(t *testing.T) {
	groups := []Group{
		{Key: "a", Count: 1},
		{Key: "b", Count: 3},
		{Key: "c", Count: 1},
		{Key: "d", Count: 3},
		{Key: "e", Count: 2},
	}

	ranked := RankGroups(groups)
	if diff := cmp.Diff([]string{"b", "d", "e", "a", "c"}, groupKeys(ranked)); diff != "" {
		t.Errorf("rank mismatch (-want +got):\n%s", diff)
	}
	if groups[0].Key != "a" {
		t.Error("RankGroups modified its input")
	}

	again := RankGroups(groups)
	if diff := cmp.Diff(ranked, again); diff != "" {
		t.Errorf("ranking is not deterministic (-first +second):\n%s", diff)
	}
}

func TestRankSections_TwoSources(t *testing.T) {
	var general []source.Item
	general = append(general, topicItems("i", "ideas", 2)...)
	general = append(general, topicItems("b", "bugs", 5)...)
	other := topicItems("o", "bugs", 1)

	sections := []Section{
		NewSection(source.Origin{ID: "small", Name: "small", Ref: 2}, other),
		NewSection(source.Origin{ID: "general", Name: "general", Ref: 1}, general),
	}

	ranked := RankSections(sections)
	if diff := cmp.Diff([]string{"general", "small"}, sectionNames(ranked)); diff != "" {
		t.Fatalf("section order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bugs", "ideas"}, groupKeys(ranked[0].Groups)); diff != "" {
		t.Errorf("group order mismatch (-want +got):\n%s", diff)
	}
	if ranked[0].Total != 7 || ranked[1].Total != 1 {
		t.Errorf("totals = %d, %d", ranked[0].Total, ranked[1].Total)
	}
	if diff := cmp.Diff([]string{"ideas", "bugs"}, groupKeys(sections[1].Groups)); diff != "" {
		t.Errorf("RankSections modified its input (-want +got):\n%s", diff)
	}
}

func TestRankSections_TiesKeepOrder(t *testing.T) {
	sections := []Section{
		{Origin: source.Origin{Name: "x"}, Total: 2},
		{Origin: source.Origin{Name: "y"}, Total: 4},
		{Origin: source.Origin{Name: "z"}, Total: 2},
	}
	for range 3 {
		ranked := RankSections(sections)
		if diff := cmp.Diff([]string{"y", "x", "z"}, sectionNames(ranked)); diff != "" {
			t.Fatalf("rank mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestGroupLatestAndParticipants(t *testing.T) {
	g := Group{Items: []source.Item{
		msg("1", "t", "a", 2*time.Hour, "older"),
		msg("2", "t", "b", 0, "newest"),
		msg("3", "t", "a", time.Hour, "middle"),
	}}

	if got := g.Latest().ID; got != "2" {
		t.Errorf("latest = %s, want 2", got)
	}
	if got := g.Participants(); got != 2 {
		t.Errorf("participants = %d, want 2", got)
	}
}

func TestTitle(t *testing.T) {
	w := source.Window{
		Start: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC),
	}
	want := "chat.example.org weekly summary (02 Jan to 09 Jan)"
	if got := Title("chat.example.org", w); got != want {
		t.Errorf("Title = %q, want %q", got, want)
	}
}

func TestRunTotal(t *testing.T) {
	run := Run{Sections: []Section{{Total: 3}, {Total: 4}}}
	if got := run.Total(); got != 7 {
		t.Errorf("Total = %d, want 7", got)
	}
}
