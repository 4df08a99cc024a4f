// Package store persists which parts of a broadcast have been downloaded.
//
// Each broadcast owns one directory. Segment files live next to an
// append-only journal (segments.journal) where every line carries a CRC32 of
// its payload, and a session manifest (session.json) rewritten atomically.
// The directory is the unit of resume.
//
// Writes (Record, MarkInvalid, Seal) must come from a single goroutine.
// Snapshot may be called from anywhere and returns the last committed state.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

const (
	journalName  = "segments.journal"
	manifestName = "session.json"
	lockName     = ".lock"
)

var (
	// ErrSealed is returned by writes after Seal.
	ErrSealed = errors.New("segment store is sealed")
	// ErrLocked means another process owns the broadcast directory.
	ErrLocked = errors.New("broadcast directory is locked by another process")
)

var partFile = regexp.MustCompile(`^(live|backfill)\.(\d+)\.ts$`)

// Store is the segment store of one broadcast.
type Store struct {
	dir         string
	broadcastID string
	log         *slog.Logger

	mu       sync.RWMutex
	journal  journalFile
	end      int64              // offset after the last committed line
	broken   error              // set when a failed append could not be rolled back
	segments []timeline.Segment // every entry ever recorded, in journal order
	index    map[string]int
	valid    []timeline.Segment // committed snapshot, never mutated in place
	sealed   bool
	unlock   func() error

	seqMu sync.Mutex
	seqs  map[timeline.Source]int
}

// Exists reports whether a prior session for broadcastID is on disk.
func Exists(dataDir, broadcastID string) bool {
	_, err := os.Stat(filepath.Join(dataDir, broadcastID, journalName))
	return err == nil
}

// Dir returns the broadcast directory under dataDir.
func Dir(dataDir, broadcastID string) string { return filepath.Join(dataDir, broadcastID) }

// Open loads (or creates) the store for broadcastID under dataDir and takes
// the directory lock. A missing journal starts an empty store. A damaged
// journal returns an error classified as failure.ClassCorruptState; the
// caller may Discard the directory and start over.
func Open(dataDir, broadcastID string) (*Store, error) {
	if broadcastID == "" {
		return nil, failure.New(failure.ClassConfiguration, "store open", errors.New("empty broadcast id"))
	}
	dir := Dir(dataDir, broadcastID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create broadcast dir: %w", err)
	}
	unlock, err := lockDir(filepath.Join(dir, lockName))
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:         dir,
		broadcastID: broadcastID,
		log:         slog.Default().With(slog.String("component", "store"), slog.String("broadcast", broadcastID)),
		index:       map[string]int{},
		seqs:        map[timeline.Source]int{},
		unlock:      unlock,
	}
	if err := s.load(); err != nil {
		_ = unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	path := filepath.Join(s.dir, journalName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	entries, good, torn, err := readJournal(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("load %s: %w", s.broadcastID, err)
	}
	if torn {
		if err := truncateTorn(path, good); err != nil {
			_ = f.Close()
			return fmt.Errorf("truncate journal: %w", err)
		}
	}
	if _, err := f.Seek(good, 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek journal: %w", err)
	}
	s.journal = f
	s.end = good
	for _, e := range entries {
		s.apply(e)
	}
	s.rebuild()
	s.scanSeqs()
	s.log.Debug("store loaded", slog.Int("entries", len(entries)), slog.Int("valid", len(s.valid)))
	return nil
}

// apply folds one journal entry into memory. Caller holds mu (or owns s).
func (s *Store) apply(e entry) {
	switch e.Op {
	case opRecord:
		if e.Segment == nil {
			return
		}
		if _, dup := s.index[e.Segment.ID]; dup {
			return
		}
		s.index[e.Segment.ID] = len(s.segments)
		s.segments = append(s.segments, *e.Segment)
		s.bumpSeq(e.Segment.Source, e.Segment.Seq)
		for _, id := range e.Supersedes {
			s.invalidate(id, "superseded by "+e.Segment.ID)
		}
	case opInvalidate:
		s.invalidate(e.ID, e.Reason)
	case opSeal:
		s.sealed = true
	}
}

func (s *Store) invalidate(id, reason string) {
	if i, ok := s.index[id]; ok && s.segments[i].Valid {
		s.segments[i].Valid = false
		s.segments[i].Reason = reason
	}
}

func (s *Store) rebuild() {
	valid := make([]timeline.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if seg.Valid {
			valid = append(valid, seg)
		}
	}
	timeline.SortSegments(valid)
	s.valid = valid
}

// Record appends seg. Recording an ID that is already known is a no-op.
//
// Segments of one source never overlap in the snapshot: an existing segment
// that the new one fully contains is superseded; a partial overlap clips the
// new segment's Range; a new segment inside an existing one is kept on
// record but invalid. The returned segment is what was committed.
func (s *Store) Record(seg timeline.Segment) (timeline.Segment, error) {
	if seg.ID == "" || !seg.Source.Valid() || seg.Range.Empty() {
		return seg, fmt.Errorf("record: invalid segment %v", seg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return seg, ErrSealed
	}
	if i, ok := s.index[seg.ID]; ok {
		return s.segments[i], nil
	}
	seg.Valid = true
	seg.Reason = ""
	if seg.RecordedAt.IsZero() {
		seg.RecordedAt = time.Now().UTC()
	}
	if seg.Media.Empty() {
		seg.Media = seg.Range
	}

	var supersedes []string
	for _, old := range s.valid {
		if old.Source != seg.Source || !old.Range.Overlaps(seg.Range) {
			continue
		}
		switch {
		case seg.Range.Covers(old.Range):
			supersedes = append(supersedes, old.ID)
		case old.Range.Covers(seg.Range):
			seg.Valid = false
			seg.Reason = "redundant with " + old.ID
		case old.Range.Start < seg.Range.Start:
			seg.Range.Start = old.Range.End
		default:
			seg.Range.End = old.Range.Start
		}
		if !seg.Valid {
			break
		}
	}
	if !seg.Valid || seg.Range.Empty() {
		seg.Valid = false
		if seg.Reason == "" {
			seg.Reason = "no new coverage"
		}
		supersedes = nil
	}

	e := entry{Op: opRecord, Segment: &seg, Supersedes: supersedes, At: time.Now().UTC()}
	if err := s.append(e); err != nil {
		return seg, err
	}
	s.apply(e)
	s.rebuild()
	s.log.Debug("segment recorded", slog.String("id", seg.ID), slog.String("source", string(seg.Source)),
		slog.String("range", seg.Range.String()), slog.Bool("valid", seg.Valid), slog.Any("supersedes", supersedes))
	return seg, nil
}

// append commits e to the journal. Caller holds mu.
func (s *Store) append(e entry) error {
	if s.broken != nil {
		return s.broken
	}
	end, err := appendEntry(s.journal, s.end, e)
	s.end = end
	if failure.Classify(err) == failure.ClassCorruptState {
		s.broken = err
		s.log.Error("journal append could not be rolled back", slog.Any("err", err))
	}
	return err
}

// MarkInvalid flags a segment as corrupt or superseded.
func (s *Store) MarkInvalid(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSealed
	}
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("mark invalid: unknown segment %q", id)
	}
	if !s.segments[i].Valid {
		return nil
	}
	e := entry{Op: opInvalidate, ID: id, Reason: reason, At: time.Now().UTC()}
	if err := s.append(e); err != nil {
		return err
	}
	s.apply(e)
	s.rebuild()
	return nil
}

// Snapshot returns the valid segments ordered by start, live first on ties.
func (s *Store) Snapshot() []timeline.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.valid)
}

// Segments returns every recorded entry, valid or not, in journal order.
func (s *Store) Segments() []timeline.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.segments)
}

// Seal makes the store read-only, persistently.
func (s *Store) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	if err := s.append(entry{Op: opSeal, At: time.Now().UTC()}); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

// Sealed reports whether Seal has been called, in this or a previous run.
func (s *Store) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Dir returns the broadcast directory.
func (s *Store) Dir() string { return s.dir }

// BroadcastID returns the id the store was opened for.
func (s *Store) BroadcastID() string { return s.broadcastID }

// Allocate reserves the next file for source. Safe for concurrent use.
func (s *Store) Allocate(source timeline.Source) (path string, seq int) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq = s.seqs[source]
	s.seqs[source] = seq + 1
	return s.PartPath(source, seq), seq
}

// PartPath is the file name used for a segment of source with sequence seq.
func (s *Store) PartPath(source timeline.Source, seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%05d.ts", source, seq))
}

func (s *Store) bumpSeq(source timeline.Source, seq int) {
	s.seqMu.Lock()
	if seq+1 > s.seqs[source] {
		s.seqs[source] = seq + 1
	}
	s.seqMu.Unlock()
}

// scanSeqs also accounts for part files that never made it into the journal,
// so a fresh allocation never reuses their names.
func (s *Store) scanSeqs() {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range ents {
		if m := partFile.FindStringSubmatch(de.Name()); m != nil {
			n, _ := strconv.Atoi(m[2])
			s.bumpSeq(timeline.Source(m[1]), n)
		}
	}
}

// Orphan is a part file on disk that the journal does not know about,
// typically the file being written when the previous run died.
type Orphan struct {
	Path   string
	Source timeline.Source
	Seq    int
}

// Orphans lists unjournaled part files in sequence order.
func (s *Store) Orphans() []Orphan {
	s.mu.RLock()
	known := make(map[string]bool, len(s.segments))
	for _, seg := range s.segments {
		known[filepath.Base(seg.Path)] = true
	}
	s.mu.RUnlock()
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []Orphan
	for _, de := range ents {
		m := partFile.FindStringSubmatch(de.Name())
		if m == nil || known[de.Name()] {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		out = append(out, Orphan{Path: filepath.Join(s.dir, de.Name()), Source: timeline.Source(m[1]), Seq: n})
	}
	slices.SortFunc(out, func(a, b Orphan) int {
		if a.Source != b.Source {
			return a.Source.Rank() - b.Source.Rank()
		}
		return a.Seq - b.Seq
	})
	return out
}

// Close releases the journal and the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.unlock != nil {
		errs = append(errs, s.unlock())
		s.unlock = nil
	}
	return errors.Join(errs...)
}

// Discard moves a broadcast directory aside so capture can restart from
// scratch. The old directory is kept for inspection.
func Discard(dataDir, broadcastID string) (string, error) {
	src := Dir(dataDir, broadcastID)
	dst := fmt.Sprintf("%s.corrupt-%d", src, time.Now().Unix())
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("discard %s: %w", broadcastID, err)
	}
	return dst, nil
}
