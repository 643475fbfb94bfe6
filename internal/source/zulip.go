package source

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ppiankov/digestpipe/internal/zulip"
)

const (
	zulipSourceName   = "zulip"
	zulipHistoryLimit = 5000
	zulipMentionFlag  = "mentioned"
)

// ZulipClient is the subset of the Zulip API the history source needs.
type ZulipClient interface {
	Streams(ctx context.Context) ([]zulip.Stream, error)
	StreamMessages(ctx context.Context, stream string, limit int) ([]zulip.Message, error)
}

// ZulipHistorySource reads recent stream history from a Zulip server.
type ZulipHistorySource struct {
	client  ZulipClient
	limit   int
	streams []string
}

// NewZulipHistory creates a history source requesting up to limit messages
// per stream. A non-empty streams list restricts List to those names.
func NewZulipHistory(client ZulipClient, limit int, streams []string) *ZulipHistorySource {
	if limit <= 0 {
		limit = zulipHistoryLimit
	}
	return &ZulipHistorySource{client: client, limit: limit, streams: streams}
}

func (z *ZulipHistorySource) Name() string {
	return zulipSourceName
}

// List returns the streams to digest in server order.
func (z *ZulipHistorySource) List(ctx context.Context) ([]Origin, error) {
	streams, err := z.client.Streams(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: zulip: %v", ErrUnavailable, err)
	}

	origins := make([]Origin, 0, len(streams))
	for _, s := range streams {
		if len(z.streams) > 0 && !slices.Contains(z.streams, s.Name) {
			continue
		}
		origins = append(origins, Origin{ID: s.Name, Name: s.Name, Ref: s.ID})
	}
	return origins, nil
}

// Fetch returns messages of stream inside w, newest first.
func (z *ZulipHistorySource) Fetch(ctx context.Context, stream string, w Window) ([]Item, error) {
	msgs, err := z.client.StreamMessages(ctx, stream, z.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: zulip: %v", ErrUnavailable, err)
	}

	items := make([]Item, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		ts := time.Unix(m.Timestamp, 0).UTC()
		if !w.Contains(ts) {
			continue
		}
		items = append(items, Item{
			ID:        strconv.FormatInt(m.ID, 10),
			Timestamp: ts,
			SourceID:  stream,
			AuthorID:  m.SenderEmail,
			GroupKey:  m.Subject,
			Addressed: m.HasFlag(zulipMentionFlag),
			Payload: Payload{
				Text:   m.Content,
				Author: m.SenderFullName,
			},
		})
	}
	return items, nil
}
