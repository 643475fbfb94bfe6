package summarize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	urlRe      = regexp.MustCompile(`https?://[^\s)>\]]+`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)
	mentionRe  = regexp.MustCompile(`@_?\*\*([^*|]+)(?:\|\d+)?\*\*`)
	fenceRe    = regexp.MustCompile("(?s)```[^\n]*\n.*?(?:```|$)")
	emphasisRe = regexp.MustCompile(`\*\*([^*]+)\*\*`)
)

const (
	maxPreview  = 120
	emptyMarker = "(no text)"
	codeMarker  = "[code]"
)

// HeuristicSummarizer previews Zulip-flavoured markdown without any model.
type HeuristicSummarizer struct {
	MaxLen int // preview cap in runes, 120 when zero
}

// Summarize extracts links and mentions and keeps the first sentence.
func (h *HeuristicSummarizer) Summarize(text string) Summary {
	maxLen := h.MaxLen
	if maxLen <= 0 {
		maxLen = maxPreview
	}

	var mentions []string
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		mentions = appendUnique(mentions, strings.TrimSpace(m[1]))
	}

	var links []string
	for _, m := range mdLinkRe.FindAllStringSubmatch(text, -1) {
		links = appendUnique(links, m[2])
	}
	for _, u := range urlRe.FindAllString(mdLinkRe.ReplaceAllString(text, ""), -1) {
		links = appendUnique(links, u)
	}

	preview := firstSentence(Clean(text), maxLen)
	if preview == "" {
		preview = emptyMarker
	}

	return Summary{
		Preview:  preview,
		Links:    links,
		Mentions: mentions,
	}
}

// Clean strips the markup a reader of a preview does not need: code blocks,
// quoted lines, mention and link syntax, bold markers.
func Clean(text string) string {
	text = fenceRe.ReplaceAllString(text, codeMarker+"\n")
	text = mentionRe.ReplaceAllString(text, "@$1")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = emphasisRe.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

// firstSentence returns text up to the first sentence boundary, capped at
// maxLen runes.
func firstSentence(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	end := len(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		end = idx
	}

	// ". ", "! " and "? " end a sentence; the mark is kept.
	for i := 0; i < end-1; i++ {
		if strings.IndexByte(".!?", text[i]) >= 0 && text[i+1] == ' ' {
			end = i + 1
			break
		}
	}
	sentence := strings.TrimSpace(text[:end])

	if utf8.RuneCountInString(sentence) <= maxLen {
		return sentence
	}

	cut := truncateRunes(sentence, maxLen)
	// Avoid cutting words when a space is available.
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
