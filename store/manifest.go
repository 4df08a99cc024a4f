package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/timeline"
)

// Review is a reconciliation decision flagged for a human to look at.
type Review struct {
	At     time.Time      `json:"at"`
	Range  timeline.Range `json:"range"`
	Reason string         `json:"reason"`
}

// Manifest is the session-level state that is not derivable from the journal.
// Durations are stored as fractional seconds.
type Manifest struct {
	BroadcastID string    `json:"broadcast_id"`
	Channel     string    `json:"channel"`
	ReplayID    string    `json:"replay_id,omitempty"`
	Origin      float64   `json:"origin"`
	OriginKnown bool      `json:"origin_known"`
	Total       float64   `json:"total_duration"`
	Ended       bool      `json:"ended"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Finished    bool      `json:"finished"`
	Output      string    `json:"output,omitempty"`
	Reviews     []Review  `json:"reviews,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReadManifest returns the persisted manifest, or ok=false when none exists.
func (s *Store) ReadManifest() (m Manifest, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(s.dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, false, failure.New(failure.ClassCorruptState, "read manifest", err)
	}
	return m, true, nil
}

// WriteManifest atomically replaces session.json.
func (s *Store) WriteManifest(m Manifest) error {
	m.BroadcastID = s.broadcastID
	m.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(filepath.Join(s.dir, manifestName), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending manifest: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.log.Debug("cleanup pending manifest", slog.Any("err", err))
		}
	}()
	if _, err := pending.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
