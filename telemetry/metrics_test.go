package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()
	if SegmentsRecorded == nil || BackfillDuration == nil || MissingSeconds == nil || SessionStateGauge == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestSetSessionState(t *testing.T) {
	Init()
	SetSessionState("reconciling")
	for _, s := range SessionStates {
		want := 0.0
		if s == "reconciling" {
			want = 1
		}
		if got := testutil.ToFloat64(SessionStateGauge.WithLabelValues(s)); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
	SetSessionState("finalizing")
	if got := testutil.ToFloat64(SessionStateGauge.WithLabelValues("reconciling")); got != 0 {
		t.Errorf("reconciling after transition = %v, want 0", got)
	}
}

func TestSetProgress(t *testing.T) {
	Init()
	SetProgress(90*time.Second, 30*time.Second)
	if got := testutil.ToFloat64(CoveredSeconds); got != 90 {
		t.Errorf("CoveredSeconds = %v, want 90", got)
	}
	if got := testutil.ToFloat64(MissingSeconds); got != 30 {
		t.Errorf("MissingSeconds = %v, want 30", got)
	}
}

func TestCountSegment(t *testing.T) {
	Init()
	before := testutil.ToFloat64(SegmentsRecorded.WithLabelValues("live"))
	CountSegment("live")
	CountSegment("live")
	if got := testutil.ToFloat64(SegmentsRecorded.WithLabelValues("live")); got != before+2 {
		t.Errorf("SegmentsRecorded{live} = %v, want %v", got, before+2)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "Test duration"})
	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("collected %d metrics, want 1", n)
	}
}

func TestNilSafeHelpers(t *testing.T) {
	// Must not panic on unregistered collectors.
	Inc(nil)
	Observe(nil, time.Second)
	TimeFunc(nil, func() {})
}

func TestCorrelation(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation() = %q, want abc", got)
	}
	if got := GetCorrelation(context.Background()); got != "" {
		t.Errorf("GetCorrelation(empty) = %q, want empty", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr() = nil")
	}
}
