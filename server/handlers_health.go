package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/vod-stitch/orchestrator"
)

// HandleHealthz responds to liveness probe requests. The process is alive as
// long as it answers.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]Check{{Name: "session", Fn: h.sessionReady}}, h.checks...)

	for _, check := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check.Fn(ctx)
		cancel()
		if err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (h *Handlers) sessionReady(context.Context) error {
	if h.status == nil {
		return fmt.Errorf("no session")
	}
	s := h.status.Status()
	switch s.State {
	case "":
		return fmt.Errorf("session not started")
	case orchestrator.StateFailed:
		return fmt.Errorf("session failed: %s", s.Reason)
	}
	return nil
}
