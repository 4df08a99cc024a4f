// Package concat stitches segment files into one gapless recording without
// re-encoding.
//
// BuildPlan decides, for every position of the requested span, which segment
// supplies it and where each file is cut. Engine.Render turns a plan into
// either a single file (ffmpeg concat demuxer, stream copy) or an HLS
// playlist of byte ranges into the original files.
package concat

import (
	"fmt"
	"time"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

// DefaultTolerance is the largest hole between two segments that is bridged
// instead of reported. Container timestamps of adjacent files routinely
// disagree by a frame or two.
const DefaultTolerance = 50 * time.Millisecond

// Entry is one file of the output with its trim points on the container timeline.
type Entry struct {
	Segment timeline.Segment
	In      time.Duration
	Out     time.Duration
}

// Duration is Out-In.
func (e Entry) Duration() time.Duration { return e.Out - e.In }

// Bridge records a hole shorter than the tolerance that was stepped over.
type Bridge struct {
	At   time.Duration
	Hole time.Duration
	From timeline.Source
	To   timeline.Source
}

// Plan is an ordered, non-overlapping list of trimmed segments.
type Plan struct {
	Span    timeline.Range
	Entries []Entry
	Bridges []Bridge
}

// Duration is the summed length of all entries.
func (p *Plan) Duration() time.Duration {
	var d time.Duration
	for _, e := range p.Entries {
		d += e.Duration()
	}
	return d
}

// GapError is the refusal to render: Missing is the first uncovered range.
type GapError struct {
	Missing timeline.Range
}

func (e *GapError) Error() string {
	return fmt.Sprintf("timeline has a gap at %s", e.Missing)
}

func (e *GapError) Unwrap() error { return failure.ErrIncompleteTimeline }

// BuildPlan covers span with valid segments.
//
// At each position the covering segment with the best source rank wins, then
// the one reaching furthest. The chosen segment runs until it ends or, for a
// replay segment, until a live segment takes over. The next entry starts
// exactly where the previous one stops, which trims the overlap off the later
// file. Holes up to tol are bridged; anything larger fails with *GapError.
func BuildPlan(segs []timeline.Segment, span timeline.Range, tol time.Duration) (*Plan, error) {
	if span.Empty() {
		return nil, fmt.Errorf("empty span %s", span)
	}
	valid := make([]timeline.Segment, 0, len(segs))
	for _, s := range segs {
		if s.Valid && !s.Range.Empty() {
			valid = append(valid, s)
		}
	}
	timeline.SortSegments(valid)

	plan := &Plan{Span: span}
	pos := span.Start
	for pos < span.End {
		cur, ok := pick(valid, pos)
		if !ok {
			b := Bridge{At: pos}
			if n := len(plan.Entries); n > 0 {
				b.From = plan.Entries[n-1].Segment.Source
			}
			next, found := nextStart(valid, pos)
			if !found || next >= span.End {
				b.Hole = span.End - pos
				if b.Hole <= tol && len(plan.Entries) > 0 {
					plan.Bridges = append(plan.Bridges, b)
					break
				}
				return nil, &GapError{Missing: timeline.Range{Start: pos, End: span.End}}
			}
			b.Hole = next - pos
			if b.Hole > tol {
				return nil, &GapError{Missing: timeline.Range{Start: pos, End: next}}
			}
			nxt, _ := pick(valid, next)
			b.To = nxt.Source
			plan.Bridges = append(plan.Bridges, b)
			pos = next
			continue
		}
		out := min(cur.Range.End, span.End)
		if cur.Source != timeline.SourceLive {
			if ls, ok := nextLiveStart(valid, pos, out); ok {
				out = ls
			}
		}
		plan.Entries = append(plan.Entries, Entry{Segment: cur, In: pos, Out: out})
		pos = out
	}
	return plan, nil
}

func pick(segs []timeline.Segment, pos time.Duration) (timeline.Segment, bool) {
	var best timeline.Segment
	found := false
	for _, s := range segs {
		if !s.Range.Contains(pos) {
			continue
		}
		if !found ||
			s.Source.Rank() < best.Source.Rank() ||
			s.Source.Rank() == best.Source.Rank() && s.Range.End > best.Range.End {
			best, found = s, true
		}
	}
	return best, found
}

// nextStart is the earliest segment start after pos.
func nextStart(segs []timeline.Segment, pos time.Duration) (time.Duration, bool) {
	var next time.Duration
	found := false
	for _, s := range segs {
		if s.Range.Start > pos && (!found || s.Range.Start < next) {
			next, found = s.Range.Start, true
		}
	}
	return next, found
}

// nextLiveStart is the earliest live segment start in (pos, before).
func nextLiveStart(segs []timeline.Segment, pos, before time.Duration) (time.Duration, bool) {
	var next time.Duration
	found := false
	for _, s := range segs {
		if s.Source != timeline.SourceLive || s.Range.Start <= pos || s.Range.Start >= before {
			continue
		}
		if !found || s.Range.Start < next {
			next, found = s.Range.Start, true
		}
	}
	return next, found
}
