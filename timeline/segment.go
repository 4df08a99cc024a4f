package timeline

import (
	"fmt"
	"slices"
	"time"
)

// Source says which downloader produced a segment.
type Source string

const (
	SourceLive     Source = "live"
	SourceBackfill Source = "backfill"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool { return s == SourceLive || s == SourceBackfill }

// Rank orders sources by authority: lower wins. Live timestamps are
// authoritative wherever live and replay overlap.
func (s Source) Rank() int {
	if s == SourceLive {
		return 0
	}
	return 1
}

// Segment is one downloaded file and the part of the timeline it contributes.
//
// Media is the probed container range of the whole file. Range is the
// effective coverage, which may be narrower than Media when the store clipped
// the segment against an earlier one from the same source.
type Segment struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	Seq        int       `json:"seq"`
	Path       string    `json:"path"`
	Range      Range     `json:"range"`
	Media      Range     `json:"media"`
	Valid      bool      `json:"valid"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s Segment) String() string {
	return fmt.Sprintf("%s(%s #%d %s)", s.ID, s.Source, s.Seq, s.Range)
}

// SortSegments orders by Range.Start, then source rank, then sequence.
func SortSegments(segs []Segment) {
	slices.SortStableFunc(segs, func(a, b Segment) int {
		if c := compare(a.Range.Start, b.Range.Start); c != 0 {
			return c
		}
		if a.Source.Rank() != b.Source.Rank() {
			return a.Source.Rank() - b.Source.Rank()
		}
		return a.Seq - b.Seq
	})
}

// Coverage merges the ranges of all valid segments.
func Coverage(segs []Segment) Set {
	rs := make([]Range, 0, len(segs))
	for _, s := range segs {
		if s.Valid {
			rs = append(rs, s.Range)
		}
	}
	return Merge(rs...)
}
