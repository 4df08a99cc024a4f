package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

// Journal operations.
const (
	opRecord     = "record"
	opInvalidate = "invalidate"
	opSeal       = "seal"
)

// entry is one journal line. A record entry also names the segments it
// supersedes so that the new segment and the invalidations commit together.
type entry struct {
	Op         string            `json:"op"`
	Segment    *timeline.Segment `json:"segment,omitempty"`
	Supersedes []string          `json:"supersedes,omitempty"`
	ID         string            `json:"id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	At         time.Time         `json:"at"`
}

// encodeEntry renders "<crc32 hex> <json>\n".
func encodeEntry(e entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(body)+10)
	line = fmt.Appendf(line, "%08x ", crc32.ChecksumIEEE(body))
	line = append(line, body...)
	return append(line, '\n'), nil
}

func decodeEntry(line []byte) (entry, error) {
	var e entry
	sum, body, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(sum) != 8 {
		return e, fmt.Errorf("malformed line")
	}
	var want uint32
	if _, err := fmt.Sscanf(string(sum), "%08x", &want); err != nil {
		return e, fmt.Errorf("malformed checksum: %w", err)
	}
	if got := crc32.ChecksumIEEE(body); got != want {
		return e, fmt.Errorf("checksum mismatch (want %08x got %08x)", want, got)
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("decode: %w", err)
	}
	return e, nil
}

// readJournal parses every committed entry of f and returns the byte offset
// just past the last good line. A damaged final line is a torn append from a
// crash and is reported through torn; damage anywhere else is corruption.
func readJournal(f io.Reader) (entries []entry, good int64, torn bool, err error) {
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			complete := line[len(line)-1] == '\n'
			e, derr := decodeEntry(bytes.TrimSuffix(line, []byte{'\n'}))
			if derr != nil || !complete {
				if _, perr := r.Peek(1); perr == io.EOF {
					return entries, good, true, nil
				}
				if derr == nil {
					derr = fmt.Errorf("unterminated line")
				}
				return nil, 0, false, failure.New(failure.ClassCorruptState, "journal", fmt.Errorf("line %d: %w", lineNo, derr))
			}
			entries = append(entries, e)
			good += int64(len(line))
		}
		if rerr == io.EOF {
			return entries, good, false, nil
		}
		if rerr != nil {
			return nil, 0, false, rerr
		}
	}
}

// journalFile is the open journal. Writes go to the current offset, which
// load leaves at the end of the last good line.
type journalFile interface {
	io.Writer
	io.Seeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// appendEntry writes one line at offset end and syncs it to disk before
// returning the new end. A failed write or sync is cut back to end so the
// next line never lands on a fragment; if that fails too, the journal can no
// longer be trusted and the returned error is CorruptState.
func appendEntry(f journalFile, end int64, e entry) (int64, error) {
	line, err := encodeEntry(e)
	if err != nil {
		return end, err
	}
	_, err = f.Write(line)
	if err != nil {
		err = fmt.Errorf("append journal: %w", err)
	} else if serr := f.Sync(); serr != nil {
		err = fmt.Errorf("sync journal: %w", serr)
	}
	if err == nil {
		return end + int64(len(line)), nil
	}
	if terr := f.Truncate(end); terr != nil {
		return end, failure.New(failure.ClassCorruptState, "journal", fmt.Errorf("%w; roll back: %v", err, terr))
	}
	if _, serr := f.Seek(end, io.SeekStart); serr != nil {
		return end, failure.New(failure.ClassCorruptState, "journal", fmt.Errorf("%w; roll back: %v", err, serr))
	}
	return end, err
}

func truncateTorn(path string, good int64) error {
	slog.Warn("truncating torn journal tail", slog.String("path", path), slog.Int64("offset", good), slog.String("component", "store"))
	return os.Truncate(path, good)
}
