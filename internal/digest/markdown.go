package digest

import (
	"fmt"
	"io"

	"github.com/ppiankov/digestpipe/internal/summarize"
)

// MarkdownFormatter formats a digest as Markdown.
type MarkdownFormatter struct {
	summarizer summarize.Summarizer
}

// NewMarkdown creates a Markdown formatter.
func NewMarkdown(s summarize.Summarizer) *MarkdownFormatter {
	return &MarkdownFormatter{summarizer: defaultSummarizer(s)}
}

// Format writes the digest as Markdown to w.
func (f *MarkdownFormatter) Format(w io.Writer, run Run) error {
	title := run.Title
	if title == "" {
		title = Title(run.Site, run.Window)
	}
	fmt.Fprintf(w, "# %s\n\n", title)
	fmt.Fprintf(w, "%d messages in %d streams\n\n", run.Total(), len(run.Sections))

	if len(run.Sections) == 0 {
		fmt.Fprintln(w, "No messages found.")
		return nil
	}

	for _, s := range run.Sections {
		if s.Origin.Ref != 0 && run.Site != "" {
			fmt.Fprintf(w, "## [#%s](%s) (%d)\n\n", s.Origin.Name, StreamURL(run.Site, s.Origin.Ref, s.Origin.Name), s.Total)
		} else {
			fmt.Fprintf(w, "## #%s (%d)\n\n", s.Origin.Name, s.Total)
		}
		for _, g := range s.Groups {
			f.writeGroup(w, run.Site, s, g)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (f *MarkdownFormatter) writeGroup(w io.Writer, site string, s Section, g Group) {
	name := g.Key
	if s.Origin.Ref != 0 && site != "" {
		name = fmt.Sprintf("[%s](%s)", g.Key, NarrowURL(site, s.Origin.Ref, s.Origin.Name, g.Key))
	}
	fmt.Fprintf(w, "- **%s** (%d messages, %d participants)", name, g.Count, g.Participants())
	if p := preview(f.summarizer, g); p != "" {
		fmt.Fprintf(w, ": %s", p)
	}
	fmt.Fprintln(w)
}
