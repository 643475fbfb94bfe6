// Package privacy scrubs configured patterns from item text before it is
// rendered into chat messages or digests.
package privacy

import (
	"fmt"
	"regexp"

	"github.com/ppiankov/digestpipe/internal/source"
)

const redactedPlaceholder = "[REDACTED]"

// Compile compiles patterns, failing on the first invalid one. Mute rules
// share it with redaction.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Apply replaces all matches of patterns in text with [REDACTED].
func Apply(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Items returns a copy of items with Payload.Text redacted. Identifiers,
// links and authors are left alone so cursors and deep links still work.
func Items(items []source.Item, patterns []*regexp.Regexp) []source.Item {
	if len(patterns) == 0 || len(items) == 0 {
		return items
	}
	out := make([]source.Item, len(items))
	for i, it := range items {
		it.Payload.Text = Apply(it.Payload.Text, patterns)
		out[i] = it
	}
	return out
}
