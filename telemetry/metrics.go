// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SegmentsRecorded   *prometheus.CounterVec // by source
	SegmentsDiscarded  *prometheus.CounterVec // by source
	LiveRestarts       *prometheus.CounterVec // by reason
	BackfillRequests   prometheus.Counter
	BackfillFailures   prometheus.Counter
	ReconcileCycles    prometheus.Counter
	Discrepancies      prometheus.Counter
	FinalizeRefusals   prometheus.Counter
	HelixRequests      *prometheus.CounterVec // by endpoint, status
	SessionTransitions *prometheus.CounterVec // by state

	// Histograms (seconds)
	BackfillDuration prometheus.Observer
	FinalizeDuration prometheus.Observer
	ProbeDuration    prometheus.Observer

	// Gauges
	MissingSeconds    prometheus.Gauge
	CoveredSeconds    prometheus.Gauge
	InflightRequests  prometheus.Gauge
	SessionStateGauge *prometheus.GaugeVec // 1 for the current state
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SegmentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_segments_recorded_total", Help: "Segments committed to the store"}, []string{"source"})
		SegmentsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_segments_discarded_total", Help: "Part files dropped as empty or unprobeable"}, []string{"source"})
		LiveRestarts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_live_restarts_total", Help: "Live downloader restarts"}, []string{"reason"})
		BackfillRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "stitch_backfill_requests_total", Help: "Backfill requests issued by the reconciler"})
		BackfillFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "stitch_backfill_failures_total", Help: "Backfill requests that exhausted retries"})
		ReconcileCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "stitch_reconcile_cycles_total", Help: "Reconciler cycles run"})
		Discrepancies = promauto.NewCounter(prometheus.CounterOpts{Name: "stitch_discrepancies_total", Help: "Live/replay disagreements flagged for review"})
		FinalizeRefusals = promauto.NewCounter(prometheus.CounterOpts{Name: "stitch_finalize_refusals_total", Help: "Finalize attempts refused because of a gap"})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_helix_requests_total", Help: "Helix API requests"}, []string{"endpoint", "status"})
		SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_session_transitions_total", Help: "Session state transitions"}, []string{"state"})
		BackfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stitch_backfill_duration_seconds", Help: "Backfill fetch duration seconds", Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800}})
		FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stitch_finalize_duration_seconds", Help: "Concat render duration seconds", Buckets: []float64{1, 5, 15, 60, 300, 900, 1800}})
		ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stitch_probe_duration_seconds", Help: "ffprobe duration seconds", Buckets: prometheus.DefBuckets})
		MissingSeconds = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_missing_seconds", Help: "Seconds of the broadcast not yet covered"})
		CoveredSeconds = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_covered_seconds", Help: "Seconds of the broadcast covered by valid segments"})
		InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_backfill_inflight", Help: "Backfill requests in flight"})
		SessionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "stitch_session_state", Help: "Current session state (1=active)"}, []string{"state"})
	})
}

// SessionStates lists every state label used by SetSessionState.
var SessionStates = []string{"discovering", "capturing_live", "reconciling", "finalizing", "done", "failed"}

// SetSessionState marks state as current and counts the transition.
func SetSessionState(state string) {
	if SessionStateGauge == nil {
		return
	}
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionStateGauge.WithLabelValues(s).Set(v)
	}
	SessionTransitions.WithLabelValues(state).Inc()
}

// SetProgress records covered and missing seconds.
func SetProgress(covered, missing time.Duration) {
	if CoveredSeconds != nil {
		CoveredSeconds.Set(covered.Seconds())
	}
	if MissingSeconds != nil {
		MissingSeconds.Set(missing.Seconds())
	}
}

// SetInflight records the number of backfill requests in flight.
func SetInflight(n int) {
	if InflightRequests != nil {
		InflightRequests.Set(float64(n))
	}
}

// CountSegment counts a committed segment.
func CountSegment(source string) {
	if SegmentsRecorded != nil {
		SegmentsRecorded.WithLabelValues(source).Inc()
	}
}

// CountDiscarded counts a dropped part file.
func CountDiscarded(source string) {
	if SegmentsDiscarded != nil {
		SegmentsDiscarded.WithLabelValues(source).Inc()
	}
}

// CountLiveRestart counts a live downloader restart.
func CountLiveRestart(reason string) {
	if LiveRestarts != nil {
		LiveRestarts.WithLabelValues(reason).Inc()
	}
}

// CountHelix counts a Helix API response.
func CountHelix(endpoint, status string) {
	if HelixRequests != nil {
		HelixRequests.WithLabelValues(endpoint, status).Inc()
	}
}

// Inc increments c when it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Observe records d in obs if non-nil.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
