// Package metrics records pipeline run counters on a private Prometheus
// registry. Runs are short-lived, so the registry is exported to a node
// exporter textfile instead of being scraped.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "digestpipe"

// Recorder holds the run metrics. A nil Recorder discards everything.
type Recorder struct {
	reg *prometheus.Registry

	fetched     *prometheus.CounterVec
	filtered    *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// New registers the metrics on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		fetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_fetched_total",
			Help:      "Items returned by source adapters",
		}, []string{"pipeline", "source"}),
		filtered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_filtered_total",
			Help:      "Items dropped by the filter, by reason",
		}, []string{"pipeline", "reason"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by outcome",
		}, []string{"pipeline", "status"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Per-source failures by stage",
		}, []string{"pipeline", "stage"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"pipeline"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without failures",
		}, []string{"pipeline"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) Fetched(pipeline, source string, n int) {
	if r == nil {
		return
	}
	r.fetched.WithLabelValues(pipeline, source).Add(float64(n))
}

func (r *Recorder) Filtered(pipeline, reason string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.filtered.WithLabelValues(pipeline, reason).Add(float64(n))
}

// Dispatch counts one delivery attempt.
func (r *Recorder) Dispatch(pipeline string, ok bool) {
	if r == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	r.dispatched.WithLabelValues(pipeline, status).Inc()
}

func (r *Recorder) SourceError(pipeline, stage string) {
	if r == nil {
		return
	}
	r.errors.WithLabelValues(pipeline, stage).Inc()
}

// RunFinished observes the run duration and, on success, stamps the
// last success gauge with end.
func (r *Recorder) RunFinished(pipeline string, start, end time.Time, success bool) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(pipeline).Observe(end.Sub(start).Seconds())
	if success {
		r.lastSuccess.WithLabelValues(pipeline).Set(float64(end.Unix()))
	}
}

// WriteTextfile writes the registry in text exposition format. The write
// is atomic, as the node exporter may read the file at any time.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
