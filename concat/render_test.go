package concat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/vod-stitch/timeline"
)

func TestConcatScript(t *testing.T) {
	p := &Plan{Entries: []Entry{
		{Segment: live("/data/b1/live.00000", 0, 60), In: 0, Out: 60 * time.Second},
		{Segment: backfill("/data/b1/it's", 30, 90), In: 60 * time.Second, Out: 90 * time.Second},
	}}
	want := "ffconcat version 1.0\n" +
		"file '/data/b1/live.00000.ts'\ninpoint 0.000000\noutpoint 60.000000\n" +
		"file '/data/b1/it'\\''s.ts'\ninpoint 60.000000\noutpoint 90.000000\n"
	if got := ConcatScript(p); got != want {
		t.Errorf("ConcatScript() =\n%s\nwant\n%s", got, want)
	}
}

func TestFFmpegArgs(t *testing.T) {
	tests := []struct {
		output string
		target string
		want   []string
	}{
		{"out.ts", "out.partial.ts", []string{"-hide_banner", "-nostdin", "-y", "-copyts", "-f", "concat", "-safe", "0", "-i", "map", "-c", "copy", "-muxdelay", "0", "out.partial.ts"}},
		{"-", "-", []string{"-hide_banner", "-nostdin", "-y", "-copyts", "-f", "concat", "-safe", "0", "-i", "map", "-c", "copy", "-muxdelay", "0", "-f", "mpegts", "-"}},
		{"out.mp4", "out.partial.mp4", []string{"-hide_banner", "-nostdin", "-y", "-f", "concat", "-safe", "0", "-i", "map", "-c", "copy", "-fflags", "+genpts", "-async", "1", "-movflags", "faststart", "out.partial.mp4"}},
		{"recording", "recording.partial", []string{"-hide_banner", "-nostdin", "-y", "-copyts", "-f", "concat", "-safe", "0", "-i", "map", "-c", "copy", "-muxdelay", "0", "-f", "mpegts", "recording.partial"}},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ffmpegArgs("map", tt.output, tt.target)); diff != "" {
				t.Errorf("ffmpegArgs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeMaterialize, "materialize": ModeMaterialize, "edit-list": ModeEditList, "EditList": ModeEditList} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("remux"); err == nil {
		t.Errorf("ParseMode(remux) error = nil")
	}
}

// fakeIndex maps timestamps to byte offsets at 1000 bytes per second.
type fakeIndex struct{}

func (fakeIndex) KeyframeOffset(_ context.Context, _ string, at time.Duration) (int64, time.Duration, error) {
	return int64(at.Seconds() * 1000), at, nil
}

func TestRenderEditList(t *testing.T) {
	dir := t.TempDir()
	l := live(filepath.Join(dir, "live.00000"), 0, 60)
	b := backfill(filepath.Join(dir, "backfill.00000"), 30, 90)
	if err := os.WriteFile(l.Path, make([]byte, 60000), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b.Path, make([]byte, 90000), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := BuildPlan([]timeline.Segment{l, b}, timeline.R(0, 90), DefaultTolerance)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	out := filepath.Join(dir, "recording.m3u8")
	e := &Engine{Indexer: fakeIndex{}}
	if err := e.Render(context.Background(), p, ModeEditList, out); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-BYTERANGE:60000@0",
		"live.00000.ts",
		"#EXT-X-DISCONTINUITY",
		"#EXT-X-BYTERANGE:30000@60000",
		"backfill.00000.ts",
		"#EXT-X-ENDLIST",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("playlist missing %q:\n%s", want, s)
		}
	}
}

func TestRenderMissingFile(t *testing.T) {
	p := &Plan{Entries: []Entry{{Segment: live(filepath.Join(t.TempDir(), "gone"), 0, 30), Out: 30 * time.Second}}}
	err := (&Engine{}).Render(context.Background(), p, ModeMaterialize, filepath.Join(t.TempDir(), "out.ts"))
	var unreadable *UnreadableError
	if !errors.As(err, &unreadable) {
		t.Fatalf("Render() error = %v, want *UnreadableError", err)
	}
	if unreadable.Segment.ID != p.Entries[0].Segment.ID {
		t.Errorf("UnreadableError.Segment = %v", unreadable.Segment)
	}
}
