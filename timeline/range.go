// Package timeline holds the interval algebra shared by the reconciler and the
// concat engine, and the Segment record persisted by the store.
//
// All positions are container timestamps. Twitch live and replay copies of a
// broadcast share the same container timeline, so a position is comparable
// across sources without any offset mapping. Broadcast-relative offsets are
// obtained by subtracting the session origin.
package timeline

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Range is the half-open interval [Start, End).
type Range struct {
	Start time.Duration
	End   time.Duration
}

// R builds a Range from seconds. Mostly useful in tests.
func R(start, end float64) Range {
	return Range{Start: FromSeconds(start), End: FromSeconds(end)}
}

// Duration returns End-Start, or zero for empty ranges.
func (r Range) Duration() time.Duration {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range covers nothing.
func (r Range) Empty() bool { return r.End <= r.Start }

// Contains reports whether t lies in [Start, End).
func (r Range) Contains(t time.Duration) bool { return t >= r.Start && t < r.End }

// Covers reports whether o lies entirely within r.
func (r Range) Covers(o Range) bool { return o.Start >= r.Start && o.End <= r.End }

// Overlaps reports whether r and o share any position. Touching ranges do not overlap.
func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// Intersect returns the common part of r and o, possibly empty.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.Empty() {
		return Range{}
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", formatSeconds(r.Start), formatSeconds(r.End))
}

type rangeJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// MarshalJSON encodes bounds as fractional seconds.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(rangeJSON{Start: Seconds(r.Start), End: Seconds(r.End)})
}

// UnmarshalJSON decodes bounds from fractional seconds.
func (r *Range) UnmarshalJSON(b []byte) error {
	var v rangeJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.Start, r.End = FromSeconds(v.Start), FromSeconds(v.End)
	return nil
}

// Seconds converts d to fractional seconds.
func Seconds(d time.Duration) float64 { return d.Seconds() }

// FromSeconds converts fractional seconds to a Duration rounded to the microsecond,
// which is finer than any container timestamp we deal with.
func FromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s*1e6)) * time.Microsecond
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3fs", d.Seconds())
}
