package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/vod-stitch/orchestrator"
	"github.com/onnwee/vod-stitch/store"
)

// statusResponse renders a session with durations in seconds.
type statusResponse struct {
	ID          string               `json:"id"`
	BroadcastID string               `json:"broadcast_id"`
	Channel     string               `json:"channel"`
	ReplayID    string               `json:"replay_id,omitempty"`
	State       orchestrator.State   `json:"state"`
	Reason      string               `json:"reason,omitempty"`
	Resumed     bool                 `json:"resumed"`
	Live        bool                 `json:"live"`
	Ended       bool                 `json:"ended"`
	Origin      *float64             `json:"origin_seconds"`
	Total       float64              `json:"total_seconds"`
	Covered     float64              `json:"covered_seconds"`
	Missing     float64              `json:"missing_seconds"`
	Percent     *float64             `json:"percent,omitempty"`
	Progress    string               `json:"progress,omitempty"`
	Inflight    int                  `json:"inflight"`
	Restarts    int                  `json:"restarts"`
	Output      string               `json:"output,omitempty"`
	Reviews     []store.Review       `json:"reviews"`
	Transitions []orchestrator.State `json:"transitions"`
	StartedAt   time.Time            `json:"started_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func newStatusResponse(s orchestrator.Session) statusResponse {
	resp := statusResponse{
		ID:          s.ID,
		BroadcastID: s.BroadcastID,
		Channel:     s.Channel,
		ReplayID:    s.ReplayID,
		State:       s.State,
		Reason:      s.Reason,
		Resumed:     s.Resumed,
		Live:        s.Live,
		Ended:       s.Ended,
		Total:       s.Total.Seconds(),
		Covered:     s.Covered.Seconds(),
		Missing:     s.Missing.Seconds(),
		Progress:    s.Progress,
		Inflight:    s.Inflight,
		Restarts:    s.Restarts,
		Output:      s.Output,
		Reviews:     s.Reviews,
		Transitions: s.Transitions,
		StartedAt:   s.StartedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.OriginKnown {
		o := s.Origin.Seconds()
		resp.Origin = &o
	}
	if s.Total > 0 {
		p := 100 * s.Covered.Seconds() / s.Total.Seconds()
		resp.Percent = &p
	}
	if resp.Reviews == nil {
		resp.Reviews = []store.Review{}
	}
	return resp
}

// HandleStatus returns the current session as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.status == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(newStatusResponse(h.status.Status()))
}
