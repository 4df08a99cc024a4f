package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080
chunked/index.m3u8
`

func mediaPlaylist(n int, dur float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n", int(dur))
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%d.ts\n", dur, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func TestPlaylistFetcherFetchesOverlappingSegments(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		switch {
		case r.URL.Path == "/vod/master.m3u8":
			fmt.Fprint(w, masterPlaylist)
		case r.URL.Path == "/vod/chunked/index.m3u8":
			fmt.Fprint(w, mediaPlaylist(10, 10))
		case strings.HasPrefix(r.URL.Path, "/vod/chunked/") && strings.HasSuffix(r.URL.Path, ".ts"):
			fmt.Fprint(w, filepath.Base(r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := &PlaylistFetcher{Client: srv.Client(), PlaylistURL: srv.URL + "/vod/master.m3u8"}
	out := filepath.Join(t.TempDir(), "backfill.00000.ts")
	if err := f.Fetch(context.Background(), timeline.R(25, 41), out); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "2.ts3.ts4.ts"; got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
	want := []string{"/vod/master.m3u8", "/vod/chunked/index.m3u8", "/vod/chunked/2.ts", "/vod/chunked/3.ts", "/vod/chunked/4.ts"}
	if diff := cmp.Diff(want, requested); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestPlaylistFetcherDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(4, 10))
	}))
	defer srv.Close()

	f := &PlaylistFetcher{Client: srv.Client(), PlaylistURL: srv.URL + "/index.m3u8"}
	d, err := f.Duration(context.Background())
	if err != nil {
		t.Fatalf("Duration() error = %v", err)
	}
	if d != 40*time.Second {
		t.Errorf("Duration() = %v, want 40s", d)
	}
}

func TestPlaylistFetcherMissingReplay(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := &PlaylistFetcher{Client: srv.Client(), PlaylistURL: srv.URL + "/gone.m3u8"}
	err := f.Fetch(context.Background(), timeline.R(0, 10), filepath.Join(t.TempDir(), "x.ts"))
	if failure.Classify(err) != failure.ClassBroadcastUnavailable {
		t.Errorf("Fetch() error = %v, want broadcast_unavailable", err)
	}
}

func TestPlaylistFetcherWindowPastEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(3, 10))
	}))
	defer srv.Close()

	f := &PlaylistFetcher{Client: srv.Client(), PlaylistURL: srv.URL + "/index.m3u8"}
	err := f.Fetch(context.Background(), timeline.R(100, 120), filepath.Join(t.TempDir(), "x.ts"))
	if err == nil || failure.IsFatal(err) {
		t.Errorf("Fetch() error = %v, want retryable error", err)
	}
}

func TestStreamlinkFetcher(t *testing.T) {
	l := &fakeLauncher{scripts: []script{{stdout: []byte("payload")}}}
	f := &StreamlinkFetcher{Launcher: l, URL: VideoURL("42"), Quality: "best"}
	out := filepath.Join(t.TempDir(), "backfill.00000.ts")
	if err := f.Fetch(context.Background(), timeline.R(60, 150), out); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	data, _ := os.ReadFile(out)
	if !bytes.Equal(data, []byte("payload")) {
		t.Errorf("file = %q", data)
	}
	args := l.Calls()[0]
	for _, want := range []string{"--hls-start-offset=60", "--hls-duration=90", "https://www.twitch.tv/videos/42"} {
		if !containsString(args, want) {
			t.Errorf("args %v missing %s", args, want)
		}
	}
}

func TestStreamlinkFetcherClassifiesFailure(t *testing.T) {
	l := &fakeLauncher{scripts: []script{{
		lines: []string{"error: Unable to open URL: https://api.twitch.tv (404 Client Error: Not Found)"},
		err:   errors.New("exit status 1"),
	}}}
	f := &StreamlinkFetcher{Launcher: l, URL: VideoURL("42"), Grace: time.Second}
	err := f.Fetch(context.Background(), timeline.R(0, 30), filepath.Join(t.TempDir(), "b.ts"))
	if failure.Classify(err) != failure.ClassBroadcastUnavailable {
		t.Errorf("Fetch() error = %v (%v), want broadcast_unavailable", err, failure.Classify(err))
	}
}

func TestStreamlinkFetcherSegmentTimeoutIsTransient(t *testing.T) {
	l := &fakeLauncher{scripts: []script{{
		lines: []string{
			"[stream.hls][debug] Adding segment 1403 to queue",
			"[stream.hls][debug] Adding segment 1404 to queue",
			"[stream.hls][debug] Segment 1403 complete",
			"[stream.hls][error] Failed to fetch segment 1404: Unable to open URL: https://vod.example/1404.ts (Read timed out.)",
			"[cli][info] Stream ended",
		},
		err: errors.New("exit status 1"),
	}}}
	f := &StreamlinkFetcher{Launcher: l, URL: VideoURL("42"), Grace: time.Second}
	err := f.Fetch(context.Background(), timeline.R(0, 30), filepath.Join(t.TempDir(), "b.ts"))
	if err == nil {
		t.Fatal("Fetch() error = nil, want failure")
	}
	if got := failure.Classify(err); got != failure.ClassTransient || failure.IsFatal(err) {
		t.Errorf("Fetch() class = %v, want transient", got)
	}
}

func TestStreamlinkExitClass(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  failure.Class
	}{
		{"no error lines", []string{"[stream.hls][debug] Adding segment 401 to queue"}, failure.ClassTransient},
		{"segment 404", []string{"[stream.hls][error] Failed to fetch segment 12: Unable to open URL (404 Client Error: Not Found)"}, failure.ClassTransient},
		{"replay gone", []string{"error: Unable to open URL: https://api.twitch.tv (404 Client Error: Not Found)"}, failure.ClassBroadcastUnavailable},
		{"forbidden", []string{"[cli][error] Unable to open URL (403 Client Error: Forbidden)"}, failure.ClassConfiguration},
		{"server error", []string{"error: Unable to open URL (502 Server Error: Bad Gateway)"}, failure.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitClass(tt.lines); got != tt.want {
				t.Errorf("exitClass() = %v, want %v", got, tt.want)
			}
		})
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
