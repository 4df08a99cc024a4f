// Package reconcile decides which parts of a broadcast are still missing and
// which of those need a backfill request.
//
// A Reconciler is driven by one goroutine (the orchestrator loop). Each Cycle
// takes a store snapshot and returns the requests to issue; the caller reports
// finished requests with Done.
package reconcile

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/onnwee/vod-stitch/timeline"
)

// Request is one missing range handed to the backfill pool.
type Request struct {
	ID    string
	Range timeline.Range
}

// Input is everything a cycle needs. All positions are container timestamps.
type Input struct {
	Segments []timeline.Segment
	// Origin is the container timestamp of broadcast offset zero.
	Origin time.Duration
	// Total is the last known broadcast duration. Zero means unknown.
	Total time.Duration
	// Ended is set once the live worker reported the end of the broadcast.
	Ended bool
	// LiveRunning is set while a live worker is capturing. LiveFrontier is
	// the end of its newest segment; the range after it is still being
	// written and is never requested.
	LiveRunning  bool
	LiveFrontier time.Duration
	// AllowRequests is false before the backfill delay has passed.
	AllowRequests bool
}

// Result describes one cycle.
type Result struct {
	// Skipped is set when Total is unknown; nothing else is filled in.
	Skipped  bool
	Span     timeline.Range
	Covered  timeline.Set
	Missing  timeline.Set
	Requests []Request
	// Complete means nothing is missing and the broadcast has ended.
	Complete bool
}

// MissingDuration is the summed length of Missing.
func (r Result) MissingDuration() time.Duration { return r.Missing.Total() }

// Progress is the operator-facing summary of a cycle.
func (r Result) Progress() string {
	switch {
	case r.Skipped:
		return "broadcast duration unknown"
	case r.Complete:
		return "timeline complete"
	case len(r.Missing) == 0:
		return "no gaps, waiting for broadcast end"
	}
	return fmt.Sprintf("%.0f seconds still missing in %d ranges", r.MissingDuration().Seconds(), len(r.Missing))
}

// Reconciler tracks in-flight backfill requests across cycles.
type Reconciler struct {
	// Tolerance drops missing ranges no longer than this; adjacent files
	// routinely disagree by a frame.
	Tolerance time.Duration
	Log       *slog.Logger

	inflight map[string]timeline.Range
	seq      int
}

// New returns a reconciler with the given tolerance.
func New(tol time.Duration) *Reconciler {
	return &Reconciler{Tolerance: tol, inflight: map[string]timeline.Range{}}
}

// Cycle computes missing ranges and the requests to issue for them.
func (r *Reconciler) Cycle(in Input) Result {
	if r.inflight == nil {
		r.inflight = map[string]timeline.Range{}
	}
	if in.Total <= 0 {
		return Result{Skipped: true}
	}
	span := timeline.Range{Start: in.Origin, End: in.Origin + in.Total}
	covered := timeline.Coverage(in.Segments).Clip(span)
	missing := timeline.Set{span}.Subtract(covered).WithoutShorter(r.Tolerance)

	res := Result{Span: span, Covered: covered, Missing: missing}
	res.Complete = len(missing) == 0 && in.Ended
	if !in.AllowRequests || len(missing) == 0 {
		return res
	}

	wanted := missing
	if in.LiveRunning && !in.Ended {
		// The live worker is still writing past its last closed file.
		if in.LiveFrontier <= span.Start {
			return res
		}
		wanted = wanted.Clip(timeline.Range{Start: span.Start, End: in.LiveFrontier})
	}
	wanted = wanted.Subtract(r.inflightSet()).WithoutShorter(r.Tolerance)
	for _, rg := range wanted {
		r.seq++
		req := Request{ID: fmt.Sprintf("bf-%04d", r.seq), Range: rg}
		r.inflight[req.ID] = rg
		res.Requests = append(res.Requests, req)
	}
	if r.Log != nil && len(res.Requests) > 0 {
		r.Log.Debug("backfill requested", slog.Int("requests", len(res.Requests)), slog.String("missing", missing.String()))
	}
	return res
}

// Done releases an in-flight request, successful or not. Its range becomes
// eligible again if it is still missing on the next cycle.
func (r *Reconciler) Done(id string) {
	delete(r.inflight, id)
}

// InFlight returns the ranges currently requested, ordered by start.
func (r *Reconciler) InFlight() []Request {
	out := make([]Request, 0, len(r.inflight))
	for id, rg := range r.inflight {
		out = append(out, Request{ID: id, Range: rg})
	}
	slices.SortFunc(out, func(a, b Request) int {
		switch {
		case a.Range.Start < b.Range.Start:
			return -1
		case a.Range.Start > b.Range.Start:
			return 1
		}
		return 0
	})
	return out
}

func (r *Reconciler) inflightSet() timeline.Set {
	rs := make([]timeline.Range, 0, len(r.inflight))
	for _, rg := range r.inflight {
		rs = append(rs, rg)
	}
	return timeline.Merge(rs...)
}
