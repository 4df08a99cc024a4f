// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Call Validate before starting a session; Load only rejects malformed values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/vod-stitch/concat"
	"github.com/onnwee/vod-stitch/failure"
)

// Backfill transports.
const (
	TransportStreamlink = "streamlink"
	TransportHLS        = "hls"
)

type Config struct {
	// Twitch
	TwitchChannel      string
	TwitchClientID     string
	TwitchClientSecret string
	// TwitchOAuthToken is passed to streamlink for subscriber-only streams.
	TwitchOAuthToken string
	// ReplayID pins the replay to backfill from instead of discovering it.
	ReplayID string
	Quality  string
	HelixRPS float64

	// Storage and output
	DataDir        string
	Output         string
	OutputMode     concat.Mode
	CleanupParts   bool
	DiscardCorrupt bool

	// Live capture
	LiveThreads     int
	LivenessTimeout time.Duration
	SegmentLength   time.Duration

	// Backfill and reconciliation
	ReconcileInterval    time.Duration
	BackfillDelay        time.Duration
	BackfillWorkers      int
	BackfillMaxAttempts  int
	BackfillPadding      time.Duration
	BackfillTransport    string
	ReplayPlaylistURL    string
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	DiscrepancyThreshold time.Duration

	// Toolchain
	StreamlinkPath string
	FFmpegPath     string
	FFprobePath    string

	// Database
	DBDsn string

	// HTTP status server; empty disables it.
	HTTPAddr string

	LogLevel  string
	LogFormat string
}

// Load reads environment variables and applies defaults. It doesn't fail on missing credentials;
// use Validate() before starting a session.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error
	fail := func(name string, e error) error {
		return fmt.Errorf("%w: invalid %s: %v", failure.ErrConfiguration, name, e)
	}

	// Twitch
	cfg.TwitchChannel = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_CHANNEL")))
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchOAuthToken = strings.TrimPrefix(os.Getenv("TWITCH_OAUTH_TOKEN"), "oauth:")
	cfg.ReplayID = strings.TrimSpace(os.Getenv("REPLAY_ID"))
	cfg.Quality = envOr("QUALITY", "best")
	if cfg.HelixRPS, err = floatEnv("HELIX_RPS", 10); err != nil {
		return nil, fail("HELIX_RPS", err)
	}

	// Storage
	cfg.DataDir = envOr("DATA_DIR", "data")
	cfg.Output = os.Getenv("OUTPUT")
	if cfg.OutputMode, err = concat.ParseMode(os.Getenv("OUTPUT_MODE")); err != nil {
		return nil, fail("OUTPUT_MODE", err)
	}
	if cfg.CleanupParts, err = boolEnv("CLEANUP_PARTS", true); err != nil {
		return nil, fail("CLEANUP_PARTS", err)
	}
	if cfg.DiscardCorrupt, err = boolEnv("DISCARD_CORRUPT", false); err != nil {
		return nil, fail("DISCARD_CORRUPT", err)
	}

	// Live
	if cfg.LiveThreads, err = intEnv("LIVE_THREADS", 2); err != nil {
		return nil, fail("LIVE_THREADS", err)
	}
	if cfg.LivenessTimeout, err = durationEnv("LIVENESS_TIMEOUT", 60*time.Second); err != nil {
		return nil, fail("LIVENESS_TIMEOUT", err)
	}
	if cfg.SegmentLength, err = durationEnv("SEGMENT_LENGTH", 10*time.Minute); err != nil {
		return nil, fail("SEGMENT_LENGTH", err)
	}

	// Backfill
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, fail("RECONCILE_INTERVAL", err)
	}
	if cfg.BackfillDelay, err = durationEnv("BACKFILL_DELAY", 0); err != nil {
		return nil, fail("BACKFILL_DELAY", err)
	}
	if cfg.BackfillWorkers, err = intEnv("BACKFILL_WORKERS", 2); err != nil {
		return nil, fail("BACKFILL_WORKERS", err)
	}
	if cfg.BackfillMaxAttempts, err = intEnv("BACKFILL_MAX_ATTEMPTS", 3); err != nil {
		return nil, fail("BACKFILL_MAX_ATTEMPTS", err)
	}
	if cfg.BackfillPadding, err = durationEnv("BACKFILL_PADDING", 60*time.Second); err != nil {
		return nil, fail("BACKFILL_PADDING", err)
	}
	cfg.BackfillTransport = strings.ToLower(envOr("BACKFILL_TRANSPORT", TransportStreamlink))
	cfg.ReplayPlaylistURL = os.Getenv("REPLAY_PLAYLIST_URL")
	if cfg.BackoffBase, err = durationEnv("BACKOFF_BASE", 2*time.Second); err != nil {
		return nil, fail("BACKOFF_BASE", err)
	}
	if cfg.BackoffMax, err = durationEnv("BACKOFF_MAX", 2*time.Minute); err != nil {
		return nil, fail("BACKOFF_MAX", err)
	}
	if cfg.DiscrepancyThreshold, err = durationEnv("DISCREPANCY_THRESHOLD", 20*time.Millisecond); err != nil {
		return nil, fail("DISCREPANCY_THRESHOLD", err)
	}

	// Toolchain
	cfg.StreamlinkPath = envOr("STREAMLINK_PATH", "streamlink")
	cfg.FFmpegPath = envOr("FFMPEG_PATH", "ffmpeg")
	cfg.FFprobePath = envOr("FFPROBE_PATH", "ffprobe")

	// DB is optional here; the session index is skipped without it.
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(envOr("LOG_FORMAT", "text"))

	return cfg, nil
}

// HasAppCredentials reports whether Helix can be queried.
func (c *Config) HasAppCredentials() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// Validate checks that a session can be started with this configuration.
func (c *Config) Validate() error {
	var problems []string
	switch {
	case c.HasAppCredentials():
		if c.TwitchChannel == "" && c.ReplayID == "" {
			problems = append(problems, "TWITCH_CHANNEL or REPLAY_ID required")
		}
	case c.ReplayID != "":
		// Without Helix the replay length can only come from its playlist.
		if c.BackfillTransport != TransportHLS || c.ReplayPlaylistURL == "" {
			problems = append(problems, "REPLAY_ID without TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET requires BACKFILL_TRANSPORT=hls and REPLAY_PLAYLIST_URL")
		}
	default:
		problems = append(problems, "TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET (or REPLAY_ID) required")
	}
	switch c.BackfillTransport {
	case TransportStreamlink:
	case TransportHLS:
		if c.ReplayPlaylistURL == "" {
			problems = append(problems, "BACKFILL_TRANSPORT=hls requires REPLAY_PLAYLIST_URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown BACKFILL_TRANSPORT %q", c.BackfillTransport))
	}
	if c.DataDir == "" {
		problems = append(problems, "DATA_DIR must not be empty")
	}
	if c.OutputMode == concat.ModeEditList && c.Output == concat.Stdout {
		problems = append(problems, "edit-list output cannot be written to stdout")
	}
	if c.BackfillWorkers < 1 || c.BackfillMaxAttempts < 1 || c.LiveThreads < 1 {
		problems = append(problems, "LIVE_THREADS, BACKFILL_WORKERS and BACKFILL_MAX_ATTEMPTS must be positive")
	}
	if c.ReconcileInterval <= 0 || c.LivenessTimeout <= 0 || c.SegmentLength <= 0 {
		problems = append(problems, "RECONCILE_INTERVAL, LIVENESS_TIMEOUT and SEGMENT_LENGTH must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		problems = append(problems, "BACKOFF_BASE must be positive and not above BACKOFF_MAX")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", failure.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// Bare numbers are seconds.
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func intEnv(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func floatEnv(name string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

func boolEnv(name string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}
