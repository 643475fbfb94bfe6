package digest

import (
	"strings"
	"text/template"

	"github.com/ppiankov/digestpipe/internal/source"
)

// NoDescription replaces an empty item text in chat messages.
const NoDescription = "No Description"

var itemMessageTmpl = template.Must(template.New("item").Parse(`
{{- with .ImageURL}}{{.}}

{{end -}}
**@{{.Author}}**: {{.Text}}
{{- with .URL}}

{{.}}{{end}}
`))

// ItemMessage renders one item as a chat message: image, attributed text and
// permalink, each separated by a blank line.
func ItemMessage(it source.Item) string {
	p := it.Payload
	if strings.TrimSpace(p.Text) == "" {
		p.Text = NoDescription
	}
	if p.Author == "" {
		p.Author = it.AuthorID
	}

	var b strings.Builder
	// Execute only fails on a broken template or writer; neither applies here.
	_ = itemMessageTmpl.Execute(&b, p)
	return b.String()
}
