// Command vod-stitch records one broadcast end to end. It:
//   - Loads configuration and initializes structured logging.
//   - Resolves the channel's current or latest broadcast and its replay.
//   - Captures the live stream while it lasts and backfills every gap from
//     the replay, resuming from disk after a restart.
//   - Renders a gapless recording once the timeline is complete.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; the session resumes on the next run.
package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/onnwee/vod-stitch/capture"
	"github.com/onnwee/vod-stitch/concat"
	"github.com/onnwee/vod-stitch/config"
	"github.com/onnwee/vod-stitch/db"
	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/media"
	"github.com/onnwee/vod-stitch/orchestrator"
	"github.com/onnwee/vod-stitch/server"
	"github.com/onnwee/vod-stitch/telemetry"
	"github.com/onnwee/vod-stitch/twitchapi"
)

// Exit codes. A configuration problem needs an operator; anything else may
// succeed on the next run.
const (
	exitFailed = 1
	exitConfig = 2
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	channel := flag.StringP("channel", "c", "", "Twitch channel to record (overrides TWITCH_CHANNEL)")
	replayID := flag.String("replay-id", "", "replay to backfill from instead of discovering it (overrides REPLAY_ID)")
	output := flag.StringP("output", "o", "", "output path, - for stdout (overrides OUTPUT)")
	mode := flag.String("mode", "", "materialize or edit-list (overrides OUTPUT_MODE)")
	dataDir := flag.String("data-dir", "", "working directory for part files (overrides DATA_DIR)")
	flag.Parse()

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	if *channel != "" {
		cfg.TwitchChannel = strings.ToLower(*channel)
	}
	if *replayID != "" {
		cfg.ReplayID = *replayID
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *mode != "" {
		if cfg.OutputMode, err = concat.ParseMode(*mode); err != nil {
			slog.Error("invalid --mode", slog.Any("err", err))
			os.Exit(exitConfig)
		}
	}

	// The recording itself may go to stdout; logs never do then.
	var logOut io.Writer = os.Stdout
	if cfg.Output == concat.Stdout {
		logOut = os.Stderr
	}
	setupLogging(logOut, cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(exitConfig)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("vod-stitch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(exitFailed)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, checks, closeDB := build(ctx, cfg)
	defer closeDB()

	if cfg.HTTPAddr != "" {
		go func() {
			if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(o, checks...)); err != nil {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	}

	sess, err := o.Run(ctx)
	switch {
	case err == nil:
		slog.Info("recording finished", slog.String("broadcast", sess.BroadcastID), slog.String("output", sess.Output),
			slog.Int("reviews", len(sess.Reviews)))
	case errors.Is(err, context.Canceled):
		slog.Info("shutting down, session state kept for resume", slog.String("broadcast", sess.BroadcastID),
			slog.String("state", string(sess.State)))
	default:
		slog.Error("recording failed", slog.String("broadcast", sess.BroadcastID), slog.Any("err", err),
			slog.String("class", failure.Classify(err).String()))
		stop()
		shutdown()
		if failure.Classify(err) == failure.ClassConfiguration {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailed)
	}
}

// setupLogging configures the default logger (level + format). Defaults: level=info, format=text.
func setupLogging(w io.Writer, level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(w, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

// build wires the orchestrator's collaborators from cfg.
func build(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, []server.Check, func()) {
	launcher := capture.ExecLauncher{}
	ffprobe := media.NewFFprobe(cfg.FFprobePath)
	httpClient := &http.Client{Timeout: 30 * time.Second}
	policy := capture.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax, MaxAttempts: cfg.BackfillMaxAttempts}

	var playlist *capture.PlaylistFetcher
	if cfg.BackfillTransport == config.TransportHLS {
		playlist = &capture.PlaylistFetcher{
			Client:      &http.Client{Timeout: 2 * time.Minute},
			PlaylistURL: cfg.ReplayPlaylistURL,
			Limiter:     rate.NewLimiter(rate.Limit(20), 4),
		}
	}

	var meta orchestrator.Metadata
	if cfg.HasAppCredentials() {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient},
			ClientID:       cfg.TwitchClientID,
			HTTPClient:     httpClient,
			Limiter:        rate.NewLimiter(rate.Limit(cfg.HelixRPS), max(1, int(cfg.HelixRPS))),
		}
		meta = &orchestrator.HelixMetadata{Client: helix, Channel: cfg.TwitchChannel, ReplayID: cfg.ReplayID}
	} else {
		slog.Info("no twitch app credentials, recording the configured replay only", slog.String("replay", cfg.ReplayID))
		sm := &orchestrator.StaticMetadata{Channel: cfg.TwitchChannel, ReplayID: cfg.ReplayID}
		if playlist != nil {
			sm.Length = playlist
		}
		meta = sm
	}

	o := &orchestrator.Orchestrator{
		Config: orchestrator.Config{
			DataDir:              cfg.DataDir,
			Output:               cfg.Output,
			Mode:                 cfg.OutputMode,
			ReconcileInterval:    cfg.ReconcileInterval,
			BackfillDelay:        cfg.BackfillDelay,
			DiscrepancyThreshold: cfg.DiscrepancyThreshold,
			CleanupParts:         cfg.CleanupParts,
			DiscardCorrupt:       cfg.DiscardCorrupt,
		},
		Metadata: meta,
		Prober:   ffprobe,
		Renderer: &concat.Engine{FFmpegPath: cfg.FFmpegPath, Indexer: ffprobe},
		Logger:   slog.Default(),
	}
	if cfg.TwitchChannel != "" {
		o.NewLive = func(b twitchapi.Broadcast, files capture.Allocator, events chan<- capture.Event) orchestrator.Runner {
			return &capture.LiveWorker{
				Launcher: launcher,
				Prober:   ffprobe,
				Checker: capture.LiveCheckerFunc(func(ctx context.Context) (bool, error) {
					return meta.IsLive(ctx, b.ID)
				}),
				Binary: cfg.StreamlinkPath,
				Options: capture.StreamlinkOptions{
					URL:        capture.ChannelURL(b.Channel),
					Quality:    cfg.Quality,
					OAuthToken: cfg.TwitchOAuthToken,
					Threads:    cfg.LiveThreads,
				},
				Files:         files,
				Policy:        capture.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
				Liveness:      cfg.LivenessTimeout,
				SegmentLength: cfg.SegmentLength,
				Events:        events,
				Logger:        slog.Default(),
			}
		}
	}
	o.NewBackfill = func(b twitchapi.Broadcast, files capture.Allocator, events chan<- capture.Event) orchestrator.Backfiller {
		var fetcher capture.Fetcher = playlist
		if playlist == nil {
			fetcher = &capture.StreamlinkFetcher{
				Launcher:   launcher,
				Binary:     cfg.StreamlinkPath,
				URL:        capture.VideoURL(b.ReplayID),
				Quality:    cfg.Quality,
				OAuthToken: cfg.TwitchOAuthToken,
				Threads:    cfg.LiveThreads,
			}
		}
		return &capture.BackfillPool{
			Fetcher: fetcher,
			Prober:  ffprobe,
			Files:   files,
			Workers: cfg.BackfillWorkers,
			Padding: cfg.BackfillPadding,
			Policy:  policy,
			Events:  events,
			Logger:  slog.Default(),
		}
	}

	// Session index (optional)
	var checks []server.Check
	closeDB := func() {}
	if cfg.DBDsn != "" {
		database, err := openIndex(ctx, cfg.DBDsn)
		if err != nil {
			slog.Warn("session index disabled", slog.Any("err", err), slog.String("component", "db"))
		} else {
			o.Index = &db.Index{DB: database}
			checks = append(checks, server.Check{Name: "database", Fn: database.PingContext})
			closeDB = func() {
				if err := database.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}
		}
	}
	return o, checks, closeDB
}

func openIndex(ctx context.Context, dsn string) (*sql.DB, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	database, err := db.Connect(cctx, dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(cctx, database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}
