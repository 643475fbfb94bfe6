package digest

import (
	"encoding/json"
	"io"

	"github.com/ppiankov/digestpipe/internal/summarize"
)

type jsonDigest struct {
	Meta     jsonMeta      `json:"meta"`
	Sections []jsonSection `json:"sections"`
}

type jsonMeta struct {
	RunID       string `json:"run_id,omitempty"`
	Site        string `json:"site"`
	Title       string `json:"title"`
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	Total       int    `json:"total"`
}

type jsonSection struct {
	Name   string      `json:"name"`
	ID     int64       `json:"id,omitempty"`
	URL    string      `json:"url,omitempty"`
	Total  int         `json:"total"`
	Groups []jsonGroup `json:"groups"`
}

type jsonGroup struct {
	Key          string   `json:"key"`
	URL          string   `json:"url,omitempty"`
	Count        int      `json:"count"`
	Participants int      `json:"participants"`
	Latest       string   `json:"latest,omitempty"`
	Preview      string   `json:"preview,omitempty"`
	Links        []string `json:"links,omitempty"`
}

// JSONFormatter formats a digest as JSON.
type JSONFormatter struct {
	summarizer summarize.Summarizer
}

// NewJSON creates a JSON formatter.
func NewJSON(s summarize.Summarizer) *JSONFormatter {
	return &JSONFormatter{summarizer: defaultSummarizer(s)}
}

// Format writes the digest as JSON to w.
func (f *JSONFormatter) Format(w io.Writer, run Run) error {
	title := run.Title
	if title == "" {
		title = Title(run.Site, run.Window)
	}
	start, end := formatWindow(run.Window)

	out := jsonDigest{
		Meta: jsonMeta{
			RunID:       run.ID,
			Site:        run.Site,
			Title:       title,
			WindowStart: start,
			WindowEnd:   end,
			Total:       run.Total(),
		},
		Sections: make([]jsonSection, 0, len(run.Sections)),
	}

	for _, s := range run.Sections {
		js := jsonSection{
			Name:   s.Origin.Name,
			ID:     s.Origin.Ref,
			Total:  s.Total,
			Groups: make([]jsonGroup, 0, len(s.Groups)),
		}
		linked := s.Origin.Ref != 0 && run.Site != ""
		if linked {
			js.URL = StreamURL(run.Site, s.Origin.Ref, s.Origin.Name)
		}
		for _, g := range s.Groups {
			jg := jsonGroup{
				Key:          g.Key,
				Count:        g.Count,
				Participants: g.Participants(),
			}
			if linked {
				jg.URL = NarrowURL(run.Site, s.Origin.Ref, s.Origin.Name, g.Key)
			}
			if len(g.Items) > 0 {
				latest := g.Latest()
				sum := f.summarizer.Summarize(latest.Payload.Text)
				jg.Latest = formatStamp(latest.Timestamp)
				jg.Preview = sum.Preview
				jg.Links = sum.Links
			}
			js.Groups = append(js.Groups, jg)
		}
		out.Sections = append(out.Sections, js)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
