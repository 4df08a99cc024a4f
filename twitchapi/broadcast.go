package twitchapi

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/vod-stitch/failure"
)

// Broadcast identifies one capture target: the live stream (if any) and the
// replay that records it.
type Broadcast struct {
	// ID is stable for the lifetime of the broadcast. It is the stream id
	// while live and the stream id recorded on the replay afterwards, or
	// "v"+ReplayID when the replay carries none.
	ID        string
	Channel   string
	UserID    string
	Live      bool
	StartedAt time.Time
	// ReplayID is empty when the channel does not archive broadcasts.
	ReplayID string
	// ReplayDuration is the replay length at resolve time. Zero if unknown.
	ReplayDuration time.Duration
}

// replayWindow tolerates clock skew between stream start and archive creation.
const replayWindow = 2 * time.Minute

// ResolveBroadcast finds the channel's current or most recent broadcast and
// its replay.
//
// While live, the replay is the newest archive whose stream id matches, or
// failing that one created no earlier than the stream start. While offline,
// the newest archive is the broadcast. An offline channel with no archive is
// failure.ClassBroadcastUnavailable.
func (hc *HelixClient) ResolveBroadcast(ctx context.Context, channel string) (Broadcast, error) {
	stream, err := hc.GetStream(ctx, channel)
	if err != nil {
		return Broadcast{}, err
	}
	b := Broadcast{Channel: channel}
	if stream != nil {
		b.Live, b.ID, b.UserID, b.StartedAt = true, stream.ID, stream.UserID, stream.StartedAt
	} else {
		if b.UserID, err = hc.GetUserID(ctx, channel); err != nil {
			return Broadcast{}, err
		}
	}
	videos, _, err := hc.ListVideos(ctx, b.UserID, "", 5)
	if err != nil {
		return Broadcast{}, err
	}
	var replay *VideoMeta
	if b.Live {
		for i := range videos {
			v := &videos[i]
			if v.StreamID != "" && v.StreamID == b.ID {
				replay = v
				break
			}
			if v.StreamID == "" && !v.Created().Before(b.StartedAt.Add(-replayWindow)) {
				replay = v
				break
			}
		}
	} else if len(videos) > 0 {
		replay = &videos[0]
		b.ID = replay.StreamID
		if b.ID == "" {
			b.ID = "v" + replay.ID
		}
		b.StartedAt = replay.Created()
	}
	if replay == nil {
		if b.Live {
			return b, nil
		}
		return Broadcast{}, failure.New(failure.ClassBroadcastUnavailable, "resolve broadcast", errors.New("channel is offline and has no replay"))
	}
	b.ReplayID = replay.ID
	if d, err := replay.Length(); err == nil {
		b.ReplayDuration = d
	}
	return b, nil
}

// ReplayDuration returns the current length of a replay.
func (hc *HelixClient) ReplayDuration(ctx context.Context, replayID string) (time.Duration, error) {
	v, err := hc.GetVideo(ctx, replayID)
	if err != nil {
		return 0, err
	}
	return v.Length()
}

// IsLive reports whether broadcastID is still the channel's live stream.
func (hc *HelixClient) IsLive(ctx context.Context, channel, broadcastID string) (bool, error) {
	s, err := hc.GetStream(ctx, channel)
	if err != nil {
		return false, err
	}
	return s != nil && s.ID == broadcastID, nil
}
