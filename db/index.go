package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/vod-stitch/timeline"
)

// SessionRecord is the indexed view of one capture session.
type SessionRecord struct {
	BroadcastID string
	Channel     string
	ReplayID    string
	State       string
	Reason      string
	Origin      time.Duration
	Total       time.Duration
	Covered     time.Duration
	Missing     time.Duration
	Ended       bool
	Output      string
	Reviews     int
	StartedAt   time.Time
}

// Index writes session progress to Postgres.
type Index struct {
	DB *sql.DB
}

// UpsertSession stores or updates the row of rec.BroadcastID.
func (ix *Index) UpsertSession(ctx context.Context, rec SessionRecord) error {
	q := `INSERT INTO capture_sessions(broadcast_id, channel, replay_id, state, reason, origin_seconds, total_seconds,
			covered_seconds, missing_seconds, ended, output, reviews, started_at, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
		  ON CONFLICT(broadcast_id) DO UPDATE SET
		    channel=EXCLUDED.channel,
		    replay_id=EXCLUDED.replay_id,
		    state=EXCLUDED.state,
		    reason=EXCLUDED.reason,
		    origin_seconds=EXCLUDED.origin_seconds,
		    total_seconds=EXCLUDED.total_seconds,
		    covered_seconds=EXCLUDED.covered_seconds,
		    missing_seconds=EXCLUDED.missing_seconds,
		    ended=EXCLUDED.ended,
		    output=EXCLUDED.output,
		    reviews=EXCLUDED.reviews,
		    updated_at=NOW()`
	_, err := ix.DB.ExecContext(ctx, q, rec.BroadcastID, rec.Channel, rec.ReplayID, rec.State, rec.Reason,
		rec.Origin.Seconds(), rec.Total.Seconds(), rec.Covered.Seconds(), rec.Missing.Seconds(),
		rec.Ended, rec.Output, rec.Reviews, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.BroadcastID, err)
	}
	return nil
}

// RecordSegment stores a committed segment. Re-recording the same id updates
// its range and validity.
func (ix *Index) RecordSegment(ctx context.Context, broadcastID string, seg timeline.Segment) error {
	q := `INSERT INTO capture_segments(broadcast_id, segment_id, source, seq, path, start_seconds, end_seconds, valid, recorded_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		  ON CONFLICT(broadcast_id, segment_id) DO UPDATE SET
		    start_seconds=EXCLUDED.start_seconds,
		    end_seconds=EXCLUDED.end_seconds,
		    valid=EXCLUDED.valid`
	recorded := seg.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := ix.DB.ExecContext(ctx, q, broadcastID, seg.ID, string(seg.Source), seg.Seq, seg.Path,
		seg.Range.Start.Seconds(), seg.Range.End.Seconds(), seg.Valid, recorded)
	if err != nil {
		return fmt.Errorf("record segment %s: %w", seg.ID, err)
	}
	return nil
}

// GetSession loads one session row; sql.ErrNoRows when absent.
func (ix *Index) GetSession(ctx context.Context, broadcastID string) (SessionRecord, error) {
	var (
		rec                             SessionRecord
		origin, total, covered, missing sql.NullFloat64
		channel, replay, reason, output sql.NullString
		started                         sql.NullTime
		reviews                         sql.NullInt64
	)
	row := ix.DB.QueryRowContext(ctx, `SELECT broadcast_id, channel, replay_id, state, reason, origin_seconds, total_seconds,
		covered_seconds, missing_seconds, ended, output, reviews, started_at FROM capture_sessions WHERE broadcast_id=$1`, broadcastID)
	if err := row.Scan(&rec.BroadcastID, &channel, &replay, &rec.State, &reason, &origin, &total,
		&covered, &missing, &rec.Ended, &output, &reviews, &started); err != nil {
		return SessionRecord{}, err
	}
	rec.Channel, rec.ReplayID, rec.Reason, rec.Output = channel.String, replay.String, reason.String, output.String
	rec.Origin = timeline.FromSeconds(origin.Float64)
	rec.Total = timeline.FromSeconds(total.Float64)
	rec.Covered = timeline.FromSeconds(covered.Float64)
	rec.Missing = timeline.FromSeconds(missing.Float64)
	rec.Reviews = int(reviews.Int64)
	rec.StartedAt = started.Time
	return rec, nil
}

// CountSegments returns how many valid segments are indexed for broadcastID.
func (ix *Index) CountSegments(ctx context.Context, broadcastID string) (int, error) {
	var n int
	err := ix.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM capture_segments WHERE broadcast_id=$1 AND valid`, broadcastID).Scan(&n)
	return n, err
}
