package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/twitchapi"
)

// Metadata is the platform collaborator that identifies the broadcast and
// reports how long its replay currently is.
type Metadata interface {
	Resolve(ctx context.Context) (twitchapi.Broadcast, error)
	ReplayDuration(ctx context.Context, replayID string) (time.Duration, error)
	IsLive(ctx context.Context, broadcastID string) (bool, error)
}

// HelixMetadata resolves a channel through the Helix API.
type HelixMetadata struct {
	Client  *twitchapi.HelixClient
	Channel string
	// ReplayID pins the replay instead of discovering it.
	ReplayID string
}

// Resolve implements Metadata.
func (h *HelixMetadata) Resolve(ctx context.Context) (twitchapi.Broadcast, error) {
	if h.ReplayID != "" {
		v, err := h.Client.GetVideo(ctx, h.ReplayID)
		if err != nil {
			return twitchapi.Broadcast{}, err
		}
		b := twitchapi.Broadcast{ID: v.StreamID, Channel: h.Channel, ReplayID: v.ID, StartedAt: v.Created()}
		if b.ID == "" {
			b.ID = "v" + v.ID
		}
		b.ReplayDuration, _ = v.Length()
		if h.Channel != "" {
			if live, err := h.Client.IsLive(ctx, h.Channel, b.ID); err == nil {
				b.Live = live
			}
		}
		return b, nil
	}
	return h.Client.ResolveBroadcast(ctx, h.Channel)
}

// ReplayDuration implements Metadata.
func (h *HelixMetadata) ReplayDuration(ctx context.Context, replayID string) (time.Duration, error) {
	return h.Client.ReplayDuration(ctx, replayID)
}

// IsLive implements Metadata.
func (h *HelixMetadata) IsLive(ctx context.Context, broadcastID string) (bool, error) {
	return h.Client.IsLive(ctx, h.Channel, broadcastID)
}

// DurationSource reports a replay length without platform credentials, for
// example from the replay playlist itself.
type DurationSource interface {
	Duration(ctx context.Context) (time.Duration, error)
}

// StaticMetadata serves a replay named by id when no API credentials are
// configured. The broadcast is treated as over; live capture never starts.
type StaticMetadata struct {
	Channel  string
	ReplayID string
	Length   DurationSource
}

// Resolve implements Metadata.
func (s *StaticMetadata) Resolve(ctx context.Context) (twitchapi.Broadcast, error) {
	id := strings.TrimPrefix(s.ReplayID, "v")
	if id == "" {
		return twitchapi.Broadcast{}, fmt.Errorf("%w: twitch credentials or REPLAY_ID required", failure.ErrConfiguration)
	}
	if s.Length == nil {
		return twitchapi.Broadcast{}, fmt.Errorf("%w: replay %s has no duration source without twitch credentials", failure.ErrConfiguration, id)
	}
	d, err := s.Length.Duration(ctx)
	if err != nil {
		return twitchapi.Broadcast{}, err
	}
	return twitchapi.Broadcast{ID: "v" + id, Channel: s.Channel, ReplayID: id, ReplayDuration: d}, nil
}

// ReplayDuration implements Metadata.
func (s *StaticMetadata) ReplayDuration(ctx context.Context, _ string) (time.Duration, error) {
	if s.Length == nil {
		return 0, errors.New("no replay duration source")
	}
	return s.Length.Duration(ctx)
}

// IsLive implements Metadata.
func (s *StaticMetadata) IsLive(context.Context, string) (bool, error) { return false, nil }
