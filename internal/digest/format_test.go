package digest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/digestpipe/internal/source"
)

func sampleRun() Run {
	general := []source.Item{
		msg("10", "bugs", "a@x.org", 0, "Login is broken again. Details below."),
		msg("9", "ideas", "b@x.org", time.Hour, "<b>dark mode</b> please"),
		msg("8", "bugs", "b@x.org", 2*time.Hour, "Seen on staging"),
	}
	small := []source.Item{
		msg("7", "hello", "c@x.org", 3*time.Hour, "hi all"),
	}

	w := source.Window{Start: t0.AddDate(0, 0, -7), End: t0}
	return Run{
		ID:     "run-1",
		Site:   "chat.example.org",
		Window: w,
		Sections: RankSections([]Section{
			NewSection(source.Origin{ID: "small talk", Name: "small talk", Ref: 3}, small),
			NewSection(source.Origin{ID: "general", Name: "general", Ref: 1}, general),
		}),
	}
}

func TestHTMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewHTML(nil).Format(&buf, sampleRun()); err != nil {
		t.Fatalf("format: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"<title>chat.example.org weekly summary (02 Jan to 09 Jan)</title>",
		`href="https://chat.example.org/#narrow/stream/1-general/topic/bugs"`,
		`href="https://chat.example.org/#narrow/stream/3-small-talk"`,
		"(2 messages, 2 participants)",
		"Login is broken again.",
		"&lt;b&gt;dark mode&lt;/b&gt; please",
		"4 messages in 2 streams.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}

	if strings.Index(out, "#general") > strings.Index(out, "#small talk") {
		t.Error("larger section should be rendered first")
	}
	if strings.Index(out, ">bugs<") > strings.Index(out, ">ideas<") {
		t.Error("larger topic should be rendered first")
	}
}

func TestHTMLFormatter_NoLinksWithoutSite(t *testing.T) {
	run := sampleRun()
	run.Site = ""
	run.Title = "custom title"

	var buf bytes.Buffer
	if err := NewHTML(nil).Format(&buf, run); err != nil {
		t.Fatalf("format: %v", err)
	}
	if strings.Contains(buf.String(), "href=") {
		t.Error("expected no links without a site")
	}
	if !strings.Contains(buf.String(), "<h1 style=\"font-size: 20px;\">custom title</h1>") {
		t.Error("explicit title not used")
	}
}

func TestMarkdownFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewMarkdown(nil).Format(&buf, sampleRun()); err != nil {
		t.Fatalf("format: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# chat.example.org weekly summary (02 Jan to 09 Jan)",
		"4 messages in 2 streams",
		"## [#general](https://chat.example.org/#narrow/stream/1-general) (3)",
		"- **[bugs](https://chat.example.org/#narrow/stream/1-general/topic/bugs)** (2 messages, 2 participants): Login is broken again.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestMarkdownFormatter_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewMarkdown(nil).Format(&buf, Run{Site: "s", Window: source.Window{Start: t0, End: t0}}); err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(buf.String(), "No messages found.") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSON(nil).Format(&buf, sampleRun()); err != nil {
		t.Fatalf("format: %v", err)
	}

	var got jsonDigest
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}

	if got.Meta.RunID != "run-1" || got.Meta.Total != 4 {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.Meta.WindowEnd != "2026-01-09T12:00:00Z" {
		t.Errorf("window end = %q", got.Meta.WindowEnd)
	}
	if len(got.Sections) != 2 || got.Sections[0].Name != "general" {
		t.Fatalf("sections = %+v", got.Sections)
	}
	bugs := got.Sections[0].Groups[0]
	if bugs.Key != "bugs" || bugs.Count != 2 || bugs.Participants != 2 {
		t.Errorf("bugs group = %+v", bugs)
	}
	if bugs.Latest != "2026-01-09T12:00:00Z" || bugs.Preview != "Login is broken again." {
		t.Errorf("bugs latest = %q preview = %q", bugs.Latest, bugs.Preview)
	}
	if bugs.URL != "https://chat.example.org/#narrow/stream/1-general/topic/bugs" {
		t.Errorf("bugs url = %q", bugs.URL)
	}
}

func TestTerminalFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTerminal(false, nil).Format(&buf, sampleRun()); err != nil {
		t.Fatalf("format: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"chat.example.org weekly summary (02 Jan to 09 Jan)",
		"--- #general (3) ---",
		"[2] bugs (2 participants)",
		"--- #small talk (1) ---",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("color codes written with color disabled")
	}
}

func TestTerminalFormatter_Color(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTerminal(true, nil).Format(&buf, sampleRun()); err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(buf.String(), "\033[1m") {
		t.Error("expected bold escape codes")
	}
}
