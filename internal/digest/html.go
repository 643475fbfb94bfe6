package digest

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/ppiankov/digestpipe/internal/summarize"
)

//go:embed templates/summary.html
var templateFS embed.FS

var summaryTmpl = template.Must(template.ParseFS(templateFS, "templates/summary.html"))

type htmlView struct {
	Title    string
	Total    int
	Sections []htmlSection
}

type htmlSection struct {
	Name   string
	URL    string
	Total  int
	Topics []htmlTopic
}

type htmlTopic struct {
	Name         string
	URL          string
	Count        int
	Participants int
	Preview      string
}

// HTMLFormatter renders the email body of a digest.
type HTMLFormatter struct {
	summarizer summarize.Summarizer
}

// NewHTML creates an HTML formatter. A nil summarizer uses the heuristic one.
func NewHTML(s summarize.Summarizer) *HTMLFormatter {
	return &HTMLFormatter{summarizer: defaultSummarizer(s)}
}

// Format writes run as an HTML document. Sections and groups are written in
// the order given; callers rank them first.
func (f *HTMLFormatter) Format(w io.Writer, run Run) error {
	view := htmlView{
		Title: run.Title,
		Total: run.Total(),
	}
	if view.Title == "" {
		view.Title = Title(run.Site, run.Window)
	}

	for _, s := range run.Sections {
		hs := htmlSection{
			Name:  s.Origin.Name,
			Total: s.Total,
		}
		if s.Origin.Ref != 0 && run.Site != "" {
			hs.URL = StreamURL(run.Site, s.Origin.Ref, s.Origin.Name)
		}
		for _, g := range s.Groups {
			ht := htmlTopic{
				Name:         g.Key,
				Count:        g.Count,
				Participants: g.Participants(),
				Preview:      preview(f.summarizer, g),
			}
			if hs.URL != "" {
				ht.URL = NarrowURL(run.Site, s.Origin.Ref, s.Origin.Name, g.Key)
			}
			hs.Topics = append(hs.Topics, ht)
		}
		view.Sections = append(view.Sections, hs)
	}

	if err := summaryTmpl.Execute(w, view); err != nil {
		return fmt.Errorf("render html digest: %w", err)
	}
	return nil
}
