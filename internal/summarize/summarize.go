// Package summarize turns chat message text into short previews.
package summarize

// Summary holds the preview of one message.
type Summary struct {
	Preview  string   // first sentence, markup removed
	Links    []string // URLs found in the message
	Mentions []string // names of mentioned users
}

// Summarizer produces a summary from message text.
type Summarizer interface {
	Summarize(text string) Summary
}
