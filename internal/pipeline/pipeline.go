// Package pipeline runs the tracker and digest pipelines: fetch, filter,
// aggregate, render, dispatch and cursor update, one source at a time.
package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/digestpipe/internal/filter"
	"github.com/ppiankov/digestpipe/internal/metrics"
	"github.com/ppiankov/digestpipe/internal/store"
)

// Pipeline names, used as the cursor and run history namespace.
const (
	Tracker = "tracker"
	Digest  = "digest"
)

// Stage is the step a source is in during a run.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageFetching     Stage = "fetching"
	StageFiltering    Stage = "filtering"
	StageAggregating  Stage = "aggregating"
	StageRendering    Stage = "rendering"
	StageDispatching  Stage = "dispatching"
	StageCursorUpdate Stage = "cursor_update"
)

// State is the persisted cursor and history store.
type State interface {
	Cursor(ctx context.Context, pipeline, sourceID string) (store.Cursor, bool, error)
	AdvanceCursor(ctx context.Context, c store.Cursor) error
	RecordRun(ctx context.Context, r store.RunRecord) error
}

// Common holds the settings shared by both pipelines.
type Common struct {
	State   State
	Self    string // own author id, never dispatched back
	Mute    filter.Mute
	Redact  []*regexp.Regexp
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time // sets the zone of digest titles
}

func (c *Common) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Common) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// run tracks the bookkeeping of one execution.
type run struct {
	pipeline string
	common   *Common
	slog     *slog.Logger
	record   store.RunRecord
}

func (c *Common) begin(pipeline string) *run {
	id := uuid.NewString()
	r := &run{
		pipeline: pipeline,
		common:   c,
		slog:     c.logger().With(slog.String("pipeline", pipeline), slog.String("run", id)),
		record: store.RunRecord{
			ID:        id,
			Pipeline:  pipeline,
			StartedAt: c.now(),
		},
	}
	r.slog.Info("run started")
	return r
}

func (r *run) stage(sourceID string, s Stage) {
	r.slog.Debug("stage", slog.String("source", sourceID), slog.String("stage", string(s)))
}

func (r *run) filtered(res filter.Result) {
	m := r.common.Metrics
	m.Filtered(r.pipeline, "window", res.Stats.OutOfWindow)
	m.Filtered(r.pipeline, "ignored", res.Stats.Ignored)
	m.Filtered(r.pipeline, "muted", res.Stats.Muted)
	m.Filtered(r.pipeline, "seen", res.Stats.Seen)
}

// fail records a source failure at stage.
func (r *run) fail(out *store.SourceOutcome, stage Stage, err error) {
	out.Stage = string(stage)
	out.Error = err.Error()
	r.record.Failed++
	r.common.Metrics.SourceError(r.pipeline, string(stage))
	r.slog.Error("source failed",
		slog.String("source", out.SourceID),
		slog.String("stage", string(stage)),
		slog.Any("error", err),
	)
}

// finish sets the status, persists the record and reports metrics.
func (r *run) finish(ctx context.Context, status string) store.RunRecord {
	r.record.FinishedAt = r.common.now()
	if status == "" {
		status = runStatus(r.record)
	}
	r.record.Status = status

	if r.common.State != nil {
		if err := r.common.State.RecordRun(ctx, r.record); err != nil {
			r.slog.Warn("record run", slog.Any("error", err))
		}
	}
	r.common.Metrics.RunFinished(r.pipeline, r.record.StartedAt, r.record.FinishedAt, r.record.Failed == 0)

	r.slog.Info("run finished",
		slog.String("status", r.record.Status),
		slog.Int("fetched", r.record.Fetched),
		slog.Int("dispatched", r.record.Dispatched),
		slog.Int("failed", r.record.Failed),
		slog.Duration("took", r.record.FinishedAt.Sub(r.record.StartedAt)),
	)
	return r.record
}

func runStatus(rec store.RunRecord) string {
	switch {
	case rec.Failed > 0 && rec.Failed >= len(rec.Sources):
		return store.RunFailed
	case rec.Failed > 0:
		return store.RunPartial
	case rec.Dispatched > 0:
		return store.RunOK
	default:
		return store.RunEmpty
	}
}
