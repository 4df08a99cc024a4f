package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/onnwee/vod-stitch/timeline"
)

// tsPacket is the MPEG-TS packet size. Files are only cut on packet boundaries.
const tsPacket = 188

// Allocator hands out part file names. *store.Store implements it.
type Allocator interface {
	Allocate(source timeline.Source) (path string, seq int)
}

// Part is a closed part file waiting to be probed.
type Part struct {
	Path  string
	Seq   int
	Bytes int64
}

// Rotator writes a transport stream into numbered part files, starting a new
// file once the current one is older than Length. It is an io.Writer fed from
// the downloader's stdout; it is not safe for concurrent use.
type Rotator struct {
	Files  Allocator
	Source timeline.Source
	Length time.Duration
	// Closed receives every finished file, including empty ones.
	Closed func(Part)

	now     func() time.Time
	f       *os.File
	part    Part
	opened  time.Time
	pending int // bytes into the current TS packet
}

func (r *Rotator) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Write appends p, rotating at the first packet boundary after Length.
func (r *Rotator) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if r.f == nil {
			if err := r.open(); err != nil {
				return written, err
			}
		}
		chunk := p
		if r.Length > 0 && r.pending == 0 && r.part.Bytes > 0 && r.clock().Sub(r.opened) >= r.Length {
			if err := r.Flush(); err != nil {
				return written, err
			}
			continue
		}
		if r.Length > 0 && r.clock().Sub(r.opened) >= r.Length && r.pending > 0 {
			// Finish the current packet, then rotate on the next pass.
			chunk = p[:min(len(p), tsPacket-r.pending)]
		}
		n, err := r.f.Write(chunk)
		written += n
		r.part.Bytes += int64(n)
		r.pending = (r.pending + n) % tsPacket
		if err != nil {
			return written, fmt.Errorf("write %s: %w", r.part.Path, err)
		}
		p = p[n:]
	}
	return written, nil
}

func (r *Rotator) open() error {
	path, seq := r.Files.Allocate(r.Source)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}
	r.f = f
	r.part = Part{Path: path, Seq: seq}
	r.opened = r.clock()
	r.pending = 0
	return nil
}

// Flush syncs and closes the current file and hands it to Closed. A later
// Write starts a new file. Flushing with no open file is a no-op.
func (r *Rotator) Flush() error {
	if r.f == nil {
		return nil
	}
	f, part := r.f, r.part
	r.f = nil
	syncErr := f.Sync()
	closeErr := f.Close()
	if r.Closed != nil {
		r.Closed(part)
	}
	if syncErr != nil {
		return fmt.Errorf("sync %s: %w", part.Path, syncErr)
	}
	return closeErr
}
