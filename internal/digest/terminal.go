package digest

import (
	"fmt"
	"io"

	"github.com/ppiankov/digestpipe/internal/summarize"
)

// TerminalFormatter formats a digest for terminal output.
type TerminalFormatter struct {
	color      bool
	summarizer summarize.Summarizer
}

// NewTerminal creates a terminal formatter. Set color=true for ANSI colors.
func NewTerminal(color bool, s summarize.Summarizer) *TerminalFormatter {
	return &TerminalFormatter{color: color, summarizer: defaultSummarizer(s)}
}

// Format writes the digest to w, one block per section.
func (f *TerminalFormatter) Format(w io.Writer, run Run) error {
	title := run.Title
	if title == "" {
		title = Title(run.Site, run.Window)
	}
	fmt.Fprintln(w, f.bold(title))
	fmt.Fprintln(w, f.dim(fmt.Sprintf("%d messages in %d streams", run.Total(), len(run.Sections))))
	fmt.Fprintln(w)

	if len(run.Sections) == 0 {
		fmt.Fprintln(w, "No messages found.")
		return nil
	}

	for _, s := range run.Sections {
		fmt.Fprintln(w, f.green(f.bold(fmt.Sprintf("--- #%s (%d) ---", s.Origin.Name, s.Total))))
		for _, g := range s.Groups {
			fmt.Fprintf(w, "  %s %s %s\n",
				f.yellow(fmt.Sprintf("[%d]", g.Count)),
				g.Key,
				f.dim(fmt.Sprintf("(%d participants)", g.Participants())),
			)
			if p := preview(f.summarizer, g); p != "" {
				fmt.Fprintf(w, "      %s\n", p)
			}
			if s.Origin.Ref != 0 && run.Site != "" {
				fmt.Fprintf(w, "      %s\n", f.dim(NarrowURL(run.Site, s.Origin.Ref, s.Origin.Name, g.Key)))
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}

// ANSI helpers, no-op when color=false.

func (f *TerminalFormatter) bold(s string) string {
	if !f.color {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

func (f *TerminalFormatter) green(s string) string {
	if !f.color {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

func (f *TerminalFormatter) yellow(s string) string {
	if !f.color {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

func (f *TerminalFormatter) dim(s string) string {
	if !f.color {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}
