package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

// StreamlinkFetcher fetches replay windows by running streamlink against the
// replay URL with a start offset and duration.
type StreamlinkFetcher struct {
	Launcher   Launcher
	Binary     string
	URL        string
	Quality    string
	OAuthToken string
	Threads    int
	Grace      time.Duration
}

// Fetch writes window of the replay to path.
func (f *StreamlinkFetcher) Fetch(ctx context.Context, window timeline.Range, path string) error {
	binary := f.Binary
	if binary == "" {
		binary = "streamlink"
	}
	opts := StreamlinkOptions{
		URL:         f.URL,
		Quality:     f.Quality,
		OAuthToken:  f.OAuthToken,
		Threads:     f.Threads,
		StartOffset: window.Start,
		Duration:    window.Duration(),
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open backfill file: %w", err)
	}
	defer out.Close()

	proc, err := f.Launcher.Launch(ctx, binary, opts.Args())
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return failure.New(failure.ClassConfiguration, "backfill", err)
		}
		return failure.New(failure.ClassTransient, "backfill", err)
	}
	grace := f.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, proc.Stdout())
		copyDone <- err
	}()
	tail := make(chan []string, 1)
	go func() {
		var lines []string
		sc := bufio.NewScanner(proc.Stderr())
		for sc.Scan() {
			lines = append(lines, sc.Text())
			if len(lines) > 20 {
				lines = lines[1:]
			}
		}
		tail <- lines
	}()

	var copyErr error
	select {
	case copyErr = <-copyDone:
	case <-ctx.Done():
		proc.Terminate(grace)
		copyErr = <-copyDone
	}
	stderr := <-tail
	waitErr := proc.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if copyErr != nil {
		return fmt.Errorf("write backfill file: %w", copyErr)
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if waitErr != nil {
		msg := strings.Join(stderr, " | ")
		err := fmt.Errorf("streamlink failed: %w, stderr: %s", waitErr, msg)
		return failure.New(exitClass(stderr), "backfill", err)
	}
	return nil
}

// exitClass classifies a failed streamlink run from the error lines of its
// stderr tail. Debug lines carry segment numbers and URLs that must not be
// read as statuses, and a failed segment fetch is retried like any other
// stall, so without a matching error line the run counts as transient.
func exitClass(lines []string) failure.Class {
	var errs []string
	for _, l := range lines {
		lower := strings.ToLower(strings.TrimSpace(l))
		if !strings.HasPrefix(lower, "error:") && !strings.Contains(lower, "][error]") {
			continue
		}
		if strings.Contains(lower, "failed to fetch segment") {
			continue
		}
		errs = append(errs, l)
	}
	if len(errs) == 0 {
		return failure.ClassTransient
	}
	return failure.Classify(errors.New(strings.Join(errs, " | ")))
}
