package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/vod-stitch/orchestrator"
	"github.com/onnwee/vod-stitch/store"
	"github.com/onnwee/vod-stitch/timeline"
)

type staticStatus orchestrator.Session

func (s staticStatus) Status() orchestrator.Session { return orchestrator.Session(s) }

func TestHealthzOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	NewMux(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}
}

func TestCorrelationHeaderReused(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := httptest.NewRecorder()
	NewMux(nil).ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("correlation id = %q, want abc-123", got)
	}
}

func TestStatus(t *testing.T) {
	sess := staticStatus{
		ID:          "corr",
		BroadcastID: "40001",
		Channel:     "chan",
		State:       orchestrator.StateReconciling,
		Origin:      5 * time.Second,
		OriginKnown: true,
		Total:       100 * time.Second,
		Covered:     75 * time.Second,
		Missing:     25 * time.Second,
		Reviews:     []store.Review{{Range: timeline.R(10, 11), Reason: "boundary"}},
		Transitions: []orchestrator.State{orchestrator.StateDiscovering, orchestrator.StateReconciling},
	}
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	NewMux(sess).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != orchestrator.StateReconciling || got.Total != 100 || got.Missing != 25 {
		t.Errorf("status = %+v", got)
	}
	if got.Origin == nil || *got.Origin != 5 {
		t.Errorf("origin = %v, want 5", got.Origin)
	}
	if got.Percent == nil || *got.Percent != 75 {
		t.Errorf("percent = %v, want 75", got.Percent)
	}
	if len(got.Reviews) != 1 || got.Reviews[0].Range != timeline.R(10, 11) {
		t.Errorf("reviews = %+v", got.Reviews)
	}
}

func TestStatusUnknownOrigin(t *testing.T) {
	rr := httptest.NewRecorder()
	NewMux(staticStatus{State: orchestrator.StateCapturingLive}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var got map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["origin_seconds"] != nil {
		t.Errorf("origin_seconds = %v, want null", got["origin_seconds"])
	}
	if _, ok := got["percent"]; ok {
		t.Error("percent reported without a known duration")
	}
}

func TestStatusRejectsWrites(t *testing.T) {
	rr := httptest.NewRecorder()
	NewMux(staticStatus{}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run server in background on random port by using :0
	done := make(chan error, 1)
	go func() { done <- Start(ctx, ":0", NewMux(nil)) }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
