package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ppiankov/digestpipe/internal/digest"
	"github.com/ppiankov/digestpipe/internal/dispatch"
	"github.com/ppiankov/digestpipe/internal/filter"
	"github.com/ppiankov/digestpipe/internal/privacy"
	"github.com/ppiankov/digestpipe/internal/source"
	"github.com/ppiankov/digestpipe/internal/store"
)

// ChatSender delivers one message and reports whether it was accepted.
type ChatSender interface {
	Send(ctx context.Context, dest dispatch.Destination, content string) bool
}

// Target is one tracked source and where its items go.
type Target struct {
	SourceID string
	Adapter  source.Adapter
	Dest     dispatch.Destination
}

// TrackerRunner posts every new item of each target as its own chat message.
type TrackerRunner struct {
	Common
	Targets []Target
	Chat    ChatSender
}

// Run processes each target in order. Source failures are recorded in the
// returned run record and never stop the remaining targets. The error is
// only set when ctx is canceled.
func (t *TrackerRunner) Run(ctx context.Context) (store.RunRecord, error) {
	r := t.begin(Tracker)
	r.record.WindowEnd = r.record.StartedAt

	for _, target := range t.Targets {
		if err := ctx.Err(); err != nil {
			r.finish(context.WithoutCancel(ctx), store.RunFailed)
			return r.record, err
		}
		out := t.track(ctx, r, target)
		r.record.Sources = append(r.record.Sources, out)
	}
	return r.finish(ctx, ""), nil
}

func (t *TrackerRunner) track(ctx context.Context, r *run, target Target) store.SourceOutcome {
	out := store.SourceOutcome{SourceID: target.SourceID}
	w := source.Window{End: r.record.WindowEnd}

	r.stage(target.SourceID, StageFetching)
	items, err := target.Adapter.Fetch(ctx, target.SourceID, w)
	if err != nil {
		r.fail(&out, StageFetching, err)
		return out
	}
	out.Fetched = len(items)
	r.record.Fetched += len(items)
	t.Metrics.Fetched(Tracker, target.SourceID, len(items))

	r.stage(target.SourceID, StageFiltering)
	cur, _, err := t.State.Cursor(ctx, Tracker, target.SourceID)
	if err != nil {
		r.fail(&out, StageFiltering, fmt.Errorf("read cursor: %w", err))
		return out
	}
	res := filter.Apply(items, filter.Options{
		Window:      w,
		Self:        t.Self,
		Mute:        t.Mute,
		TrackCursor: true,
		Cursor:      cur.ItemID,
		CursorTime:  cur.ItemTime,
	})
	r.filtered(res)
	if res.Stats.CursorMissing {
		r.slog.Warn("cursor not in fetched items",
			slog.String("source", target.SourceID),
			slog.String("cursor", cur.ItemID),
			slog.Bool("time_fallback", !cur.ItemTime.IsZero()),
		)
	}
	if len(res.Items) == 0 {
		out.Stage = string(StageIdle)
		r.slog.Info("no new items", slog.String("source", target.SourceID), slog.Int("fetched", len(items)))
		return out
	}

	r.stage(target.SourceID, StageRendering)
	pending := privacy.Items(res.Items, t.Redact)

	// Oldest first, so the cursor always points at the last delivered item.
	for i := len(pending) - 1; i >= 0; i-- {
		it := pending[i]

		r.stage(target.SourceID, StageDispatching)
		ok := t.Chat.Send(ctx, target.Dest, digest.ItemMessage(it))
		t.Metrics.Dispatch(Tracker, ok)
		if !ok {
			r.fail(&out, StageDispatching, fmt.Errorf("%w: item %s to %s", dispatch.ErrFailed, it.ID, target.Dest))
			return out
		}
		out.Dispatched++
		r.record.Dispatched++

		r.stage(target.SourceID, StageCursorUpdate)
		err := t.State.AdvanceCursor(ctx, store.Cursor{
			Pipeline: Tracker,
			SourceID: target.SourceID,
			ItemID:   it.ID,
			ItemTime: it.Timestamp,
		})
		if err != nil {
			if errors.Is(err, store.ErrCursorRegressed) {
				err = fmt.Errorf("item %s is older than the stored cursor: %w", it.ID, err)
			}
			r.fail(&out, StageCursorUpdate, err)
			return out
		}
	}

	out.Stage = string(StageIdle)
	r.slog.Info("source tracked",
		slog.String("source", target.SourceID),
		slog.String("destination", target.Dest.String()),
		slog.Int("dispatched", out.Dispatched),
	)
	return out
}
