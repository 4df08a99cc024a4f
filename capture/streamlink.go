package capture

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StreamlinkOptions configures one streamlink invocation.
type StreamlinkOptions struct {
	URL        string
	Quality    string
	OAuthToken string
	Threads    int
	// StartOffset and Duration address a window of a replay. Zero means
	// "from the start" and "to the end".
	StartOffset time.Duration
	Duration    time.Duration
}

// Args renders the command line. Output always goes to stdout.
func (o StreamlinkOptions) Args() []string {
	quality := o.Quality
	if quality == "" {
		quality = "best"
	}
	threads := o.Threads
	if threads <= 0 {
		threads = 1
	}
	args := []string{
		"-l", "debug",
		"--twitch-disable-ads",
		"--hls-timeout=60",
		"--hls-segment-timeout=60",
		"--hls-segment-attempts=5",
		"--hls-segment-threads=" + strconv.Itoa(threads),
	}
	if o.OAuthToken != "" {
		args = append(args, "--twitch-oauth-token="+o.OAuthToken)
	}
	if o.StartOffset > 0 {
		args = append(args, "--hls-start-offset="+strconv.Itoa(int(math.Floor(o.StartOffset.Seconds()))))
	}
	if o.Duration > 0 {
		args = append(args, "--hls-duration="+strconv.Itoa(int(math.Ceil(o.Duration.Seconds()))))
	}
	return append(args, o.URL, quality, "-O")
}

// ChannelURL is the live URL of a channel.
func ChannelURL(channel string) string { return "https://www.twitch.tv/" + channel }

// VideoURL is the replay URL of a video id.
func VideoURL(id string) string { return "https://www.twitch.tv/videos/" + strings.TrimPrefix(id, "v") }

// LineKind classifies a streamlink debug log line.
type LineKind int

const (
	LineOther LineKind = iota
	LineQueued
	LineComplete
	LineWriterError
	LineOffline
	LineAds
	LineEnded
)

func (k LineKind) String() string {
	switch k {
	case LineQueued:
		return "queued"
	case LineComplete:
		return "complete"
	case LineWriterError:
		return "writer_error"
	case LineOffline:
		return "offline"
	case LineAds:
		return "ads"
	case LineEnded:
		return "ended"
	default:
		return "other"
	}
}

// Line is a parsed log line. Segment is set for queued/complete lines.
type Line struct {
	Kind    LineKind
	Segment int
	Text    string
}

var (
	queuedRe   = regexp.MustCompile(`Adding segment (\d+) to queue`)
	completeRe = regexp.MustCompile(`(?:Download of segment|Segment) (\d+) complete`)
)

// ParseLine classifies one line of streamlink stderr.
func ParseLine(text string) Line {
	l := Line{Kind: LineOther, Text: text}
	switch {
	case strings.Contains(text, "No playable streams found"):
		l.Kind = LineOffline
	case strings.Contains(text, "Thread-TwitchHLSStreamWriter") && strings.Contains(strings.ToLower(text), "error"):
		l.Kind = LineWriterError
	case strings.Contains(text, "Waiting for pre-roll ads"):
		l.Kind = LineAds
	case strings.Contains(text, "Stream ended"):
		l.Kind = LineEnded
	default:
		if m := queuedRe.FindStringSubmatch(text); m != nil {
			l.Kind = LineQueued
			l.Segment, _ = strconv.Atoi(m[1])
		} else if m := completeRe.FindStringSubmatch(text); m != nil {
			l.Kind = LineComplete
			l.Segment, _ = strconv.Atoi(m[1])
		}
	}
	return l
}

// skipDetector tracks completed segment numbers and reports the first hole.
// Streamlink downloads with several threads but completes segments in order,
// so a completion that is not last+1 means segments were dropped upstream.
type skipDetector struct {
	last int
	seen bool
}

// complete records n and returns the first skipped number, if any.
func (d *skipDetector) complete(n int) (skipped int, ok bool) {
	if d.seen && n != d.last+1 {
		if n <= d.last {
			return 0, false
		}
		return d.last + 1, true
	}
	d.last, d.seen = n, true
	return 0, false
}

func (d *skipDetector) String() string { return fmt.Sprintf("last=%d", d.last) }
