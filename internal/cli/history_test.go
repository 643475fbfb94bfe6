package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/digestpipe/internal/store"
)

var historyNow = time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)

func sampleHistory() ([]store.RunRecord, []store.Cursor) {
	runs := []store.RunRecord{
		{ID: "0f1e2d3c-aaaa", Pipeline: "tracker", Status: store.RunPartial, StartedAt: historyNow.Add(-time.Hour),
			Fetched: 5, Dispatched: 2, Failed: 1,
			Sources: []store.SourceOutcome{{SourceID: "someone", Stage: "fetching", Error: "instagram: HTTP 429"}}},
		{ID: "9a8b7c6d-bbbb", Pipeline: "digest", Status: store.RunOK, StartedAt: historyNow.Add(-48 * time.Hour),
			WindowStart: historyNow.AddDate(0, 0, -9), WindowEnd: historyNow.AddDate(0, 0, -2), Fetched: 40, Dispatched: 40},
	}
	cursors := []store.Cursor{
		{Pipeline: "digest", SourceID: "general", WindowEnd: historyNow.AddDate(0, 0, -2), UpdatedAt: historyNow.AddDate(0, 0, -2)},
		{Pipeline: "tracker", SourceID: "https://quiet.example.org/feed", ItemID: "p1", UpdatedAt: historyNow.AddDate(0, 0, -30)},
	}
	return runs, cursors
}

func TestPrintHistory(t *testing.T) {
	runs, cursors := sampleHistory()
	var buf bytes.Buffer
	printHistory(&buf, runs, cursors, historyNow)
	out := buf.String()

	for _, want := range []string{
		"last 2 runs (1 ok, 1 partial, 0 failed, 0 empty)",
		"0f1e2d3c  tracker",
		"someone failed at fetching: instagram: HTTP 429",
		"Stale Sources",
		"tracker https://quiet.example.org/feed: last advanced 30 days ago",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "digest general: last advanced") {
		t.Error("recent cursor reported as stale")
	}
}

func TestPrintHistory_Empty(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil, nil, historyNow)
	if !strings.Contains(buf.String(), "No runs recorded yet") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestPrintHistoryJSON(t *testing.T) {
	runs, cursors := sampleHistory()
	var buf bytes.Buffer
	if err := printHistoryJSON(&buf, runs, cursors); err != nil {
		t.Fatalf("print: %v", err)
	}

	var got jsonHistory
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if len(got.Runs) != 2 || len(got.Cursors) != 2 {
		t.Fatalf("got %d runs, %d cursors", len(got.Runs), len(got.Cursors))
	}
	if got.Runs[0].Sources[0].Error != "instagram: HTTP 429" {
		t.Errorf("source error = %q", got.Runs[0].Sources[0].Error)
	}
	if got.Runs[0].WindowStart != "" {
		t.Errorf("tracker run window start = %q, want omitted", got.Runs[0].WindowStart)
	}
	if got.Runs[1].WindowEnd != "2026-01-18T12:00:00Z" {
		t.Errorf("digest window end = %q", got.Runs[1].WindowEnd)
	}
}

func TestPrintCursors(t *testing.T) {
	_, cursors := sampleHistory()
	var buf bytes.Buffer
	printCursors(&buf, cursors)
	out := buf.String()

	if !strings.Contains(out, "digest   general  window - to 2026-01-18 12:00") {
		t.Errorf("digest cursor line missing:\n%s", out)
	}
	if !strings.Contains(out, "tracker  https://quiet.example.org/feed  item p1 (-)") {
		t.Errorf("tracker cursor line missing:\n%s", out)
	}
}

func TestCheckPipelineName(t *testing.T) {
	if err := checkPipelineName("tracker", false); err != nil {
		t.Error(err)
	}
	if err := checkPipelineName("", true); err != nil {
		t.Error(err)
	}
	if err := checkPipelineName("", false); err == nil {
		t.Error("expected error for empty pipeline")
	}
	if err := checkPipelineName("weekly", true); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}
