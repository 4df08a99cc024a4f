package timeline

import (
	"slices"
	"strings"
	"time"
)

// Set is a sorted list of disjoint, non-touching, non-empty ranges.
// Build one with Merge; the zero value is the empty set.
type Set []Range

// Merge normalizes arbitrary ranges into a Set. Overlapping and touching
// ranges are joined; empty ranges are dropped.
func Merge(ranges ...Range) Set {
	in := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if !r.Empty() {
			in = append(in, r)
		}
	}
	if len(in) == 0 {
		return nil
	}
	slices.SortFunc(in, func(a, b Range) int {
		if a.Start != b.Start {
			return compare(a.Start, b.Start)
		}
		return compare(a.End, b.End)
	})
	out := Set{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Subtract returns s \ o.
func (s Set) Subtract(o Set) Set {
	var out Set
	j := 0
	for _, r := range s {
		cur := r
		for j < len(o) && o[j].End <= cur.Start {
			j++
		}
		k := j
		for k < len(o) && o[k].Start < cur.End {
			if o[k].Start > cur.Start {
				out = append(out, Range{Start: cur.Start, End: o[k].Start})
			}
			cur.Start = max(cur.Start, o[k].End)
			if cur.Empty() {
				break
			}
			k++
		}
		if !cur.Empty() {
			out = append(out, cur)
		}
	}
	return out
}

// Clip returns s ∩ r.
func (s Set) Clip(r Range) Set {
	var out Set
	for _, x := range s {
		if in := x.Intersect(r); !in.Empty() {
			out = append(out, in)
		}
	}
	return out
}

// Covers reports whether every position of r is in s.
func (s Set) Covers(r Range) bool {
	if r.Empty() {
		return true
	}
	for _, x := range s {
		if x.Covers(r) {
			return true
		}
	}
	return false
}

// FirstGap returns the first sub-range of r not covered by s.
func (s Set) FirstGap(r Range) (Range, bool) {
	gaps := Set{r}.Subtract(s)
	if len(gaps) == 0 {
		return Range{}, false
	}
	return gaps[0], true
}

// WithoutShorter drops ranges whose duration is at most tol.
func (s Set) WithoutShorter(tol time.Duration) Set {
	var out Set
	for _, r := range s {
		if r.Duration() > tol {
			out = append(out, r)
		}
	}
	return out
}

// Total is the summed duration of all ranges.
func (s Set) Total() time.Duration {
	var d time.Duration
	for _, r := range s {
		d += r.Duration()
	}
	return d
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func compare(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
