package capture

import (
	"time"

	"github.com/onnwee/vod-stitch/timeline"
)

// EventKind tags worker events sent to the orchestrator.
type EventKind int

const (
	// EventSegment carries a probed, closed part file.
	EventSegment EventKind = iota
	// EventLiveEnded is sent once when the broadcast is over. End is the
	// container end of the last live segment, zero if none was written.
	EventLiveEnded
	// EventLiveRestart reports a downloader restart and its reason.
	EventLiveRestart
	// EventBackfillDone closes a backfill request, with Err set when retries ran out.
	EventBackfillDone
	// EventFatal stops the session.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventSegment:
		return "segment"
	case EventLiveEnded:
		return "live_ended"
	case EventLiveRestart:
		return "live_restart"
	case EventBackfillDone:
		return "backfill_done"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is the only way workers talk to the orchestrator. Workers send
// with a plain blocking send; the receiver keeps draining until every worker
// has returned, so a segment flushed during shutdown is never lost.
type Event struct {
	Kind    EventKind
	Segment timeline.Segment
	// Request is the backfill request that produced this event, if any.
	Request Request
	Err     error
	End     time.Duration
	Reason  string
	// FromZero is set on backfill segments fetched from replay offset zero.
	// Their media start is the container timestamp of broadcast offset zero.
	FromZero bool
}
