package orchestrator

import (
	"slices"
	"time"

	"github.com/onnwee/vod-stitch/db"
	"github.com/onnwee/vod-stitch/store"
	"github.com/onnwee/vod-stitch/timeline"
)

// State is a capture session state.
type State string

const (
	StateDiscovering   State = "discovering"
	StateCapturingLive State = "capturing_live"
	StateReconciling   State = "reconciling"
	StateFinalizing    State = "finalizing"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Session is the capture session of one broadcast. The orchestrator loop owns
// it; everybody else sees copies.
type Session struct {
	// ID correlates logs and spans of one run.
	ID          string         `json:"id"`
	BroadcastID string         `json:"broadcast_id"`
	Channel     string         `json:"channel"`
	ReplayID    string         `json:"replay_id,omitempty"`
	State       State          `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	Resumed     bool           `json:"resumed"`
	Live        bool           `json:"live"`
	Origin      time.Duration  `json:"origin"`
	OriginKnown bool           `json:"origin_known"`
	Total       time.Duration  `json:"total"`
	Ended       bool           `json:"ended"`
	LiveEnd     time.Duration  `json:"live_end"`
	Covered     time.Duration  `json:"covered"`
	Missing     time.Duration  `json:"missing"`
	Progress    string         `json:"progress,omitempty"`
	Inflight    int            `json:"inflight"`
	Restarts    int            `json:"restarts"`
	Output      string         `json:"output,omitempty"`
	Reviews     []store.Review `json:"reviews,omitempty"`
	Transitions []State        `json:"transitions"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Span is the broadcast on the container timeline, empty while the origin or
// the duration is unknown.
func (s *Session) Span() timeline.Range {
	if !s.OriginKnown || s.Total <= 0 {
		return timeline.Range{}
	}
	return timeline.Range{Start: s.Origin, End: s.Origin + s.Total}
}

func (s *Session) clone() Session {
	c := *s
	c.Reviews = slices.Clone(s.Reviews)
	c.Transitions = slices.Clone(s.Transitions)
	return c
}

func (s *Session) manifest() store.Manifest {
	return store.Manifest{
		Channel:     s.Channel,
		ReplayID:    s.ReplayID,
		Origin:      s.Origin.Seconds(),
		OriginKnown: s.OriginKnown,
		Total:       s.Total.Seconds(),
		Ended:       s.Ended,
		State:       string(s.State),
		Reason:      s.Reason,
		Finished:    s.State == StateDone,
		Output:      s.Output,
		Reviews:     s.Reviews,
		StartedAt:   s.StartedAt,
	}
}

// restore copies persisted fields from a previous run's manifest.
func (s *Session) restore(m store.Manifest) {
	if s.ReplayID == "" {
		s.ReplayID = m.ReplayID
	}
	s.Origin = timeline.FromSeconds(m.Origin)
	s.OriginKnown = m.OriginKnown
	s.Total = timeline.FromSeconds(m.Total)
	s.Ended = s.Ended || m.Ended
	s.Output = m.Output
	s.Reviews = m.Reviews
	if !m.StartedAt.IsZero() {
		s.StartedAt = m.StartedAt
	}
}

func (s *Session) record() db.SessionRecord {
	return db.SessionRecord{
		BroadcastID: s.BroadcastID,
		Channel:     s.Channel,
		ReplayID:    s.ReplayID,
		State:       string(s.State),
		Reason:      s.Reason,
		Origin:      s.Origin,
		Total:       s.Total,
		Covered:     s.Covered,
		Missing:     s.Missing,
		Ended:       s.Ended,
		Output:      s.Output,
		Reviews:     len(s.Reviews),
		StartedAt:   s.StartedAt,
	}
}
