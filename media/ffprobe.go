// Package media wraps ffprobe: container start/end timestamps of a segment
// file and the byte offset of the first keyframe at or after a timestamp.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/vod-stitch/timeline"
)

// mp4Formats is ffprobe's format_name for ISO BMFF files, whose reported
// duration already includes the start offset.
const mp4Formats = "mov,mp4,m4a,3gp,3g2,mj2"

// ErrNoKeyframe is returned when no keyframe exists at or after the requested time.
var ErrNoKeyframe = errors.New("no keyframe at or after timestamp")

// Info describes a probed file on the shared container timeline.
type Info struct {
	Start  time.Duration
	End    time.Duration
	Format string
}

// Range returns [Start, End).
func (i Info) Range() timeline.Range { return timeline.Range{Start: i.Start, End: i.End} }

// FFprobe runs the ffprobe binary.
type FFprobe struct {
	Path string
}

// NewFFprobe returns a prober using path, or "ffprobe" from PATH when empty.
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{Path: path}
}

// Probe reads container start and end timestamps of path.
func (f *FFprobe) Probe(ctx context.Context, path string) (Info, error) {
	out, err := f.run(ctx, "-v", "error", "-of", "json", "-show_entries", "format=duration,start_time,format_name", path)
	if err != nil {
		return Info{}, err
	}
	return parseFormat(out)
}

// KeyframeOffset returns the byte position and timestamp of the first video
// keyframe at or after at. Only a short window after at is read.
func (f *FFprobe) KeyframeOffset(ctx context.Context, path string, at time.Duration) (int64, time.Duration, error) {
	interval := fmt.Sprintf("%.6f%%+10", at.Seconds())
	out, err := f.run(ctx, "-v", "error", "-of", "json", "-select_streams", "v:0",
		"-show_entries", "packet=pts_time,pos,flags", "-read_intervals", interval, path)
	if err != nil {
		return 0, 0, err
	}
	return parsePackets(out, at)
}

func (f *FFprobe) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type formatOutput struct {
	Format struct {
		StartTime  string `json:"start_time"`
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

func parseFormat(data []byte) (Info, error) {
	var out formatOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Info{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	start, _ := strconv.ParseFloat(out.Format.StartTime, 64)
	dur, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || dur <= 0 {
		return Info{}, fmt.Errorf("ffprobe reported no duration")
	}
	info := Info{Start: timeline.FromSeconds(start), Format: out.Format.FormatName}
	if info.Format == "" {
		info.Format = "mpegts"
	}
	if info.Format == mp4Formats {
		info.End = timeline.FromSeconds(dur)
	} else {
		info.End = timeline.FromSeconds(start + dur)
	}
	if info.End <= info.Start {
		return Info{}, fmt.Errorf("ffprobe reported empty range [%v, %v)", info.Start, info.End)
	}
	return info, nil
}

type packetOutput struct {
	Packets []struct {
		PTSTime string `json:"pts_time"`
		Pos     string `json:"pos"`
		Flags   string `json:"flags"`
	} `json:"packets"`
}

func parsePackets(data []byte, at time.Duration) (int64, time.Duration, error) {
	var out packetOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, 0, fmt.Errorf("failed to parse ffprobe packets: %w", err)
	}
	for _, p := range out.Packets {
		if !strings.Contains(p.Flags, "K") {
			continue
		}
		pts, err := strconv.ParseFloat(p.PTSTime, 64)
		if err != nil {
			continue
		}
		ts := timeline.FromSeconds(pts)
		if ts < at {
			continue
		}
		pos, err := strconv.ParseInt(p.Pos, 10, 64)
		if err != nil || pos < 0 {
			continue
		}
		return pos, ts, nil
	}
	return 0, 0, ErrNoKeyframe
}
