package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ppiankov/digestpipe/internal/digest"
	"github.com/ppiankov/digestpipe/internal/dispatch"
	"github.com/ppiankov/digestpipe/internal/filter"
	"github.com/ppiankov/digestpipe/internal/privacy"
	"github.com/ppiankov/digestpipe/internal/source"
	"github.com/ppiankov/digestpipe/internal/store"
)

// DefaultWindow is the digest lookback.
const DefaultWindow = 7 * 24 * time.Hour

// ErrNoItems is returned by Collect when no source produced any item.
var ErrNoItems = errors.New("no items found")

// HistorySource lists origins and fetches their items.
type HistorySource interface {
	source.Adapter
	source.Lister
}

// EmailSender delivers a composed digest and reports whether it was accepted.
type EmailSender interface {
	Dispatch(ctx context.Context, env dispatch.Envelope) bool
}

// DigestRunner collects a window of history from every origin into one
// ranked document and emails it.
type DigestRunner struct {
	Common
	Source     HistorySource
	Formatter  digest.Formatter
	Email      EmailSender
	Site       string
	From       dispatch.Recipient
	Recipients []dispatch.Recipient
	Window     time.Duration

	// KeepCursors leaves every window cursor in place after delivery, for
	// transports that reach no mailbox.
	KeepCursors bool
}

// Collection is the result of the collect half of a digest run.
type Collection struct {
	Run     digest.Run
	Windows map[string]source.Window // per origin, only those with items
	record  *run
}

// Collect fetches and filters every origin and ranks the result. Origins
// that fail are recorded and skipped. ErrNoItems is returned, together with
// the collection, when nothing was found.
func (d *DigestRunner) Collect(ctx context.Context) (*Collection, error) {
	r := d.begin(Digest)
	c := &Collection{Windows: make(map[string]source.Window), record: r}

	end := r.record.StartedAt
	lookback := d.Window
	if lookback <= 0 {
		lookback = DefaultWindow
	}
	floor := end.Add(-lookback)

	r.stage("*", StageFetching)
	origins, err := d.Source.List(ctx)
	if err != nil {
		out := store.SourceOutcome{SourceID: "*"}
		r.fail(&out, StageFetching, err)
		r.record.Sources = append(r.record.Sources, out)
		return c, fmt.Errorf("list origins: %w", err)
	}

	start := end
	var sections []digest.Section
	for _, o := range origins {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		sec, w, out, ok := d.collectOrigin(ctx, r, o, floor, end)
		r.record.Sources = append(r.record.Sources, out)
		if !ok {
			continue
		}
		sections = append(sections, sec)
		c.Windows[o.ID] = w
		if w.Start.Before(start) {
			start = w.Start
		}
	}
	if len(sections) == 0 {
		start = floor
	}

	r.stage("*", StageAggregating)
	c.Run = digest.Run{
		ID:       r.record.ID,
		Site:     d.Site,
		Window:   source.Window{Start: start, End: end},
		Sections: digest.RankSections(sections),
	}
	r.record.WindowStart = start
	r.record.WindowEnd = end

	if c.Run.Total() == 0 {
		return c, ErrNoItems
	}
	return c, nil
}

func (d *DigestRunner) collectOrigin(ctx context.Context, r *run, o source.Origin, floor, end time.Time) (digest.Section, source.Window, store.SourceOutcome, bool) {
	out := store.SourceOutcome{SourceID: o.ID}

	w := source.Window{Start: floor, End: end}
	cur, found, err := d.State.Cursor(ctx, Digest, o.ID)
	if err != nil {
		r.fail(&out, StageFetching, fmt.Errorf("read cursor: %w", err))
		return digest.Section{}, w, out, false
	}
	// The previous window already covered its end instant.
	if found && !cur.WindowEnd.Before(w.Start) {
		w.Start = cur.WindowEnd.Add(time.Nanosecond)
	}
	if !w.Start.Before(w.End) {
		out.Stage = string(StageIdle)
		return digest.Section{}, w, out, false
	}

	r.stage(o.ID, StageFetching)
	items, err := d.Source.Fetch(ctx, o.ID, w)
	if err != nil {
		r.fail(&out, StageFetching, err)
		return digest.Section{}, w, out, false
	}
	out.Fetched = len(items)
	r.record.Fetched += len(items)
	d.Metrics.Fetched(Digest, o.ID, len(items))

	r.stage(o.ID, StageFiltering)
	res := filter.Apply(items, filter.Options{Window: w, Self: d.Self, Mute: d.Mute})
	r.filtered(res)
	if len(res.Items) == 0 {
		out.Stage = string(StageIdle)
		return digest.Section{}, w, out, false
	}

	r.stage(o.ID, StageAggregating)
	out.Stage = string(StageAggregating)
	items = slices.Clone(privacy.Items(res.Items, d.Redact))
	slices.SortStableFunc(items, func(a, b source.Item) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return digest.NewSection(o, items), w, out, true
}

// Run collects, renders and emails the digest, then advances the window
// cursor of every origin that contributed. Nothing is sent and no cursor
// moves when no items were found or the email was not accepted.
func (d *DigestRunner) Run(ctx context.Context) (store.RunRecord, error) {
	c, err := d.Collect(ctx)
	r := c.record
	switch {
	case errors.Is(err, ErrNoItems):
		r.slog.Info("no items found, nothing to send",
			slog.Time("window_start", c.Run.Window.Start),
			slog.Time("window_end", c.Run.Window.End),
		)
		if r.record.Failed > 0 {
			return r.finish(ctx, ""), nil
		}
		return r.finish(ctx, store.RunEmpty), nil
	case err != nil:
		return r.finish(context.WithoutCancel(ctx), store.RunFailed), err
	}

	r.stage("*", StageRendering)
	c.Run.Title = digest.Title(d.Site, c.Run.Window)
	var buf bytes.Buffer
	if err := d.Formatter.Format(&buf, c.Run); err != nil {
		return r.finish(ctx, store.RunFailed), fmt.Errorf("render digest: %w", err)
	}

	r.stage("*", StageDispatching)
	ok := d.Email.Dispatch(ctx, dispatch.Envelope{
		From:    d.From,
		To:      d.Recipients,
		Subject: c.Run.Title,
		HTML:    buf.String(),
	})
	d.Metrics.Dispatch(Digest, ok)
	if !ok {
		r.record.Failed++
		r.slog.Error("digest not delivered, cursors left unchanged")
		return r.finish(ctx, store.RunFailed), nil
	}
	r.record.Dispatched = c.Run.Total()
	if d.KeepCursors {
		r.slog.Warn("digest was not emailed, window cursors left unchanged")
		for i := range r.record.Sources {
			if _, ok := c.Windows[r.record.Sources[i].SourceID]; ok {
				r.record.Sources[i].Stage = string(StageIdle)
			}
		}
		return r.finish(ctx, ""), nil
	}

	kept := make(map[string]int, len(c.Run.Sections))
	for _, s := range c.Run.Sections {
		kept[s.Origin.ID] = s.Total
	}
	for i := range r.record.Sources {
		out := &r.record.Sources[i]
		w, ok := c.Windows[out.SourceID]
		if !ok {
			continue
		}
		out.Dispatched = kept[out.SourceID]
		r.stage(out.SourceID, StageCursorUpdate)
		err := d.State.AdvanceCursor(ctx, store.Cursor{
			Pipeline:    Digest,
			SourceID:    out.SourceID,
			WindowStart: w.Start,
			WindowEnd:   w.End,
		})
		if err != nil {
			r.fail(out, StageCursorUpdate, err)
			continue
		}
		out.Stage = string(StageIdle)
	}
	return r.finish(ctx, ""), nil
}
