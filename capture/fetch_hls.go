package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/grafov/m3u8"
	"golang.org/x/time/rate"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

// PlaylistFetcher fetches replay windows straight from the replay's HLS
// playlist, downloading only the media segments that overlap the window.
type PlaylistFetcher struct {
	Client      *http.Client
	PlaylistURL string
	// Limiter paces segment requests. Nil means unpaced.
	Limiter *rate.Limiter
}

// Fetch writes the segments overlapping window to path, in playlist order.
func (f *PlaylistFetcher) Fetch(ctx context.Context, window timeline.Range, path string) error {
	base, media, err := f.mediaPlaylist(ctx)
	if err != nil {
		return err
	}
	uris := overlapping(media, window)
	if len(uris) == 0 {
		return failure.New(failure.ClassTransient, "backfill", fmt.Errorf("replay playlist has no segments in %s", window))
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open backfill file: %w", err)
	}
	defer out.Close()
	for _, u := range uris {
		if f.Limiter != nil {
			if err := f.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := f.copySegment(ctx, base.ResolveReference(u), out); err != nil {
			return err
		}
	}
	return out.Sync()
}

// Duration is the summed EXTINF length of the replay playlist.
func (f *PlaylistFetcher) Duration(ctx context.Context) (time.Duration, error) {
	_, media, err := f.mediaPlaylist(ctx)
	if err != nil {
		return 0, err
	}
	var d time.Duration
	for _, s := range media.Segments {
		if s == nil {
			break
		}
		d += timeline.FromSeconds(s.Duration)
	}
	return d, nil
}

// overlapping walks the playlist by accumulated EXTINF durations and returns
// the segment URIs intersecting window.
func overlapping(pl *m3u8.MediaPlaylist, window timeline.Range) []*url.URL {
	var (
		out []*url.URL
		pos time.Duration
	)
	for _, s := range pl.Segments {
		if s == nil {
			break
		}
		d := timeline.FromSeconds(s.Duration)
		seg := timeline.Range{Start: pos, End: pos + d}
		pos += d
		if !seg.Overlaps(window) {
			if seg.Start >= window.End {
				break
			}
			continue
		}
		u, err := url.Parse(s.URI)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// mediaPlaylist loads the configured playlist, following a master playlist
// to its highest-bandwidth variant.
func (f *PlaylistFetcher) mediaPlaylist(ctx context.Context) (*url.URL, *m3u8.MediaPlaylist, error) {
	u, err := url.Parse(f.PlaylistURL)
	if err != nil {
		return nil, nil, failure.New(failure.ClassConfiguration, "backfill", fmt.Errorf("replay playlist url: %w", err))
	}
	for range 2 {
		pl, kind, err := f.decode(ctx, u)
		if err != nil {
			return nil, nil, err
		}
		switch kind {
		case m3u8.MEDIA:
			return u, pl.(*m3u8.MediaPlaylist), nil
		case m3u8.MASTER:
			v := bestVariant(pl.(*m3u8.MasterPlaylist))
			if v == nil {
				return nil, nil, failure.New(failure.ClassBroadcastUnavailable, "backfill", errors.New("replay master playlist has no variants"))
			}
			ref, err := url.Parse(v.URI)
			if err != nil {
				return nil, nil, fmt.Errorf("variant uri: %w", err)
			}
			u = u.ResolveReference(ref)
		}
	}
	return nil, nil, errors.New("replay playlist nests master playlists")
}

func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func (f *PlaylistFetcher) decode(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	resp, err := f.get(ctx, u, failure.ClassBroadcastUnavailable)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	pl, kind, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("decode replay playlist: %w", err)
	}
	return pl, kind, nil
}

func (f *PlaylistFetcher) copySegment(ctx context.Context, u *url.URL, w io.Writer) error {
	resp, err := f.get(ctx, u, failure.ClassTransient)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return failure.New(failure.ClassTransient, "backfill", fmt.Errorf("copy segment %s: %w", u.Path, err))
	}
	return nil
}

// get fetches u. A 404 maps to notFound: a missing playlist means the replay
// is gone, a missing media segment is worth another try.
func (f *PlaylistFetcher) get(ctx context.Context, u *url.URL, notFound failure.Class) (*http.Response, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, failure.New(failure.ClassTransient, "backfill", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		class := failure.ClassTransient
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			class = notFound
		case http.StatusUnauthorized, http.StatusForbidden:
			class = failure.ClassConfiguration
		}
		return nil, failure.New(class, "backfill", fmt.Errorf("GET %s: %s", u.Path, resp.Status))
	}
	return resp, nil
}
