// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for resolving a channel's current broadcast and its replay, using an app
// access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/telemetry"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// HelixClient provides the methods needed for broadcast discovery.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Limiter paces requests when set. Helix allows 800 points a minute.
	Limiter *rate.Limiter
	// MaxRetries bounds retries on 429 and 5xx. Defaults to 3.
	MaxRetries int

	sleep func(context.Context, time.Duration) error
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimSuffix(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// get performs an authenticated GET against endpoint and decodes the JSON body
// into out. 429 and 5xx responses are retried; a 401 drops the cached token
// and retries once.
func (hc *HelixClient) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	if hc.AppTokenSource == nil {
		return fmt.Errorf("%w: helix client has no token source", failure.ErrConfiguration)
	}
	retries := hc.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	sleep := hc.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	reauthed := false
	for attempt := 0; ; attempt++ {
		if hc.Limiter != nil {
			if err := hc.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/"+endpoint, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			telemetry.CountHelix(endpoint, "error")
			if ctx.Err() != nil || attempt >= retries {
				return fmt.Errorf("helix %s: %w", endpoint, err)
			}
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
			continue
		}
		telemetry.CountHelix(endpoint, strconv.Itoa(resp.StatusCode))
		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			if err != nil {
				return fmt.Errorf("helix %s: decode: %w", endpoint, err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized && !reauthed:
			closeBody(resp)
			reauthed = true
			hc.AppTokenSource.Invalidate()
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			wait := backoff(attempt)
			if resp.StatusCode == http.StatusTooManyRequests {
				if reset, ok := resetIn(resp.Header.Get("Ratelimit-Reset")); ok {
					wait = reset
				}
			}
			msg := readError(resp)
			if attempt >= retries {
				return failure.New(failure.ClassTransient, "helix "+endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
			}
			slog.Debug("helix retry", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode), slog.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			msg := readError(resp)
			return failure.New(failure.ClassConfiguration, "helix "+endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
		default:
			msg := readError(resp)
			return fmt.Errorf("helix %s: status %d: %s", endpoint, resp.StatusCode, msg)
		}
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func readError(resp *http.Response) string {
	defer closeBody(resp)
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(b))
}

func backoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// resetIn converts a Ratelimit-Reset epoch into a wait.
func resetIn(v string) (time.Duration, bool) {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	d := time.Until(time.Unix(sec, 0))
	if d < 0 {
		d = 0
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", failure.New(failure.ClassConfiguration, "helix users", fmt.Errorf("user not found"))
	}
	return body.Data[0].ID, nil
}

// Stream is a live broadcast as reported by /streams.
type Stream struct {
	ID        string
	UserID    string
	Login     string
	Title     string
	StartedAt time.Time
}

// GetStream returns the channel's live stream, or nil when it is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID        string    `json:"id"`
			UserID    string    `json:"user_id"`
			UserLogin string    `json:"user_login"`
			Type      string    `json:"type"`
			Title     string    `json:"title"`
			StartedAt time.Time `json:"started_at"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "streams", url.Values{"user_login": {login}}, &body); err != nil {
		return nil, err
	}
	for _, s := range body.Data {
		if s.Type == "live" {
			return &Stream{ID: s.ID, UserID: s.UserID, Login: s.UserLogin, Title: s.Title, StartedAt: s.StartedAt}, nil
		}
	}
	return nil, nil
}

// VideoMeta is an archived broadcast.
type VideoMeta struct{ ID, StreamID, Title, Duration, CreatedAt string }

// Length parses the Helix duration ("1h2m3s").
func (v VideoMeta) Length() (time.Duration, error) { return ParseDuration(v.Duration) }

// Created parses CreatedAt; the zero time when it is malformed.
func (v VideoMeta) Created() time.Time {
	t, _ := time.Parse(time.RFC3339, v.CreatedAt)
	return t
}

type videoJSON struct {
	ID        string `json:"id"`
	StreamID  string `json:"stream_id"`
	Title     string `json:"title"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"created_at"`
}

func (v videoJSON) meta() VideoMeta {
	return VideoMeta{ID: v.ID, StreamID: v.StreamID, Title: v.Title, Duration: v.Duration, CreatedAt: v.CreatedAt}
}

// ListVideos lists archive videos for a user, newest first.
func (hc *HelixClient) ListVideos(ctx context.Context, userID, after string, first int) ([]VideoMeta, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{"user_id": {userID}, "type": {"archive"}, "first": {strconv.Itoa(first)}}
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []videoJSON `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "videos", q, &body); err != nil {
		return nil, "", err
	}
	out := make([]VideoMeta, 0, len(body.Data))
	for _, v := range body.Data {
		out = append(out, v.meta())
	}
	return out, body.Pagination.Cursor, nil
}

// ErrVideoNotFound is returned by GetVideo for a deleted or unknown video.
var ErrVideoNotFound = errors.New("video not found")

// GetVideo fetches a single video by id.
func (hc *HelixClient) GetVideo(ctx context.Context, id string) (VideoMeta, error) {
	id = strings.TrimPrefix(id, "v")
	if id == "" {
		return VideoMeta{}, fmt.Errorf("video id empty")
	}
	var body struct {
		Data []videoJSON `json:"data"`
	}
	if err := hc.get(ctx, "videos", url.Values{"id": {id}}, &body); err != nil {
		return VideoMeta{}, err
	}
	if len(body.Data) == 0 {
		return VideoMeta{}, failure.New(failure.ClassBroadcastUnavailable, "helix videos", ErrVideoNotFound)
	}
	return body.Data[0].meta(), nil
}

// ParseDuration parses Helix durations such as "3h8m33s" or "45s".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}
