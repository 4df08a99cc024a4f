package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want Set
	}{
		{"empty", nil, nil},
		{"single", []Range{R(0, 30)}, Set{R(0, 30)}},
		{"touching joins", []Range{R(30, 60), R(0, 30)}, Set{R(0, 60)}},
		{"overlap joins", []Range{R(0, 60), R(30, 90)}, Set{R(0, 90)}},
		{"contained", []Range{R(0, 90), R(10, 20)}, Set{R(0, 90)}},
		{"disjoint kept", []Range{R(60, 90), R(0, 30)}, Set{R(0, 30), R(60, 90)}},
		{"empty ranges dropped", []Range{R(5, 5), R(10, 3), R(0, 1)}, Set{R(0, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.in...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubtract(t *testing.T) {
	tests := []struct {
		name string
		s, o Set
		want Set
	}{
		{"nothing covered", Set{R(0, 90)}, nil, Set{R(0, 90)}},
		{"fully covered", Set{R(0, 90)}, Set{R(0, 90)}, nil},
		{"gap in middle", Set{R(0, 90)}, Set{R(0, 60)}, Set{R(60, 90)}},
		{"head missing", Set{R(0, 90)}, Set{R(45, 90)}, Set{R(0, 45)}},
		{"holes", Set{R(0, 100)}, Set{R(10, 20), R(30, 40)}, Set{R(0, 10), R(20, 30), R(40, 100)}},
		{"cover spans several", Set{R(0, 10), R(20, 30)}, Set{R(5, 25)}, Set{R(0, 5), R(25, 30)}},
		{"boundary exact", Set{R(0, 30), R(60, 90)}, Set{R(30, 60)}, Set{R(0, 30), R(60, 90)}},
		{"beyond", Set{R(0, 30)}, Set{R(40, 50)}, Set{R(0, 30)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.s.Subtract(tt.o)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Subtract() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCoversAndFirstGap(t *testing.T) {
	s := Merge(R(0, 30), R(30, 60), R(90, 120))
	if !s.Covers(R(0, 60)) {
		t.Errorf("Covers([0,60)) = false, want true")
	}
	if s.Covers(R(0, 90)) {
		t.Errorf("Covers([0,90)) = true, want false")
	}
	gap, ok := s.FirstGap(R(0, 120))
	if !ok || gap != R(60, 90) {
		t.Errorf("FirstGap() = %v, %v, want [60,90), true", gap, ok)
	}
	if _, ok := s.FirstGap(R(0, 60)); ok {
		t.Errorf("FirstGap([0,60)) reported a gap")
	}
}

func TestWithoutShorterAndTotal(t *testing.T) {
	s := Set{R(0, 0.02), R(1, 3), R(10, 10.05)}
	got := s.WithoutShorter(50 * time.Millisecond)
	if diff := cmp.Diff(Set{R(1, 3)}, got); diff != "" {
		t.Errorf("WithoutShorter() mismatch (-want +got):\n%s", diff)
	}
	if tot := s.Total(); tot != 2070*time.Millisecond {
		t.Errorf("Total() = %v, want 2.07s", tot)
	}
}

func TestRangeJSON(t *testing.T) {
	b, err := json.Marshal(R(1.5, 30))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"start":1.5,"end":30}` {
		t.Errorf("json = %s", b)
	}
	var back Range
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != R(1.5, 30) {
		t.Errorf("round trip = %v, want [1.5,30)", back)
	}
}

func TestSortSegmentsLiveFirstOnTie(t *testing.T) {
	segs := []Segment{
		{ID: "b", Source: SourceBackfill, Range: R(0, 90), Valid: true},
		{ID: "l2", Source: SourceLive, Seq: 1, Range: R(30, 60), Valid: true},
		{ID: "l1", Source: SourceLive, Range: R(0, 30), Valid: true},
	}
	SortSegments(segs)
	var ids []string
	for _, s := range segs {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"l1", "b", "l2"}, ids); diff != "" {
		t.Errorf("SortSegments() order mismatch (-want +got):\n%s", diff)
	}
}
