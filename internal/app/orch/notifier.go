package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/domain"
)

// Notifier is the UI-facing collaborator. Calls may arrive from any
// goroutine and must not block.
type Notifier interface {
	RoomJoined(room domain.RoomID)
	RoomLeft(room domain.RoomID, reason error)
	// Disconnected reports a terminal failure that forced the room exit.
	Disconnected(reason error)
	Reconnecting()
	Resumed()
	PublishersChanged(pubs []domain.Publisher)
	PublisherLeft(feed domain.FeedID)
	Speaking(talking bool)
	BitrateAdjusted(bps int)
	TrackAdded(track domain.TrackInfo)
	MediaChanged(kind string, receiving bool)
}

// LogNotifier reports everything to the log. Used headless.
type LogNotifier struct{}

func (LogNotifier) RoomJoined(room domain.RoomID) {
	log.Info().Str("module", "notify").Uint64("room", uint64(room)).Msg("joined room")
}

func (LogNotifier) RoomLeft(room domain.RoomID, reason error) {
	log.Info().Str("module", "notify").Uint64("room", uint64(room)).AnErr("reason", reason).Msg("left room")
}

func (LogNotifier) Disconnected(reason error) {
	log.Warn().Str("module", "notify").Err(reason).Msg("you were disconnected")
}

func (LogNotifier) Reconnecting() {
	log.Warn().Str("module", "notify").Msg("reconnecting")
}

func (LogNotifier) Resumed() {
	log.Info().Str("module", "notify").Msg("connection restored")
}

func (LogNotifier) PublishersChanged(pubs []domain.Publisher) {
	log.Info().Str("module", "notify").Int("count", len(pubs)).Msg("publishers changed")
}

func (LogNotifier) PublisherLeft(feed domain.FeedID) {
	log.Info().Str("module", "notify").Uint64("feed", uint64(feed)).Msg("publisher left")
}

func (LogNotifier) Speaking(talking bool) {
	log.Debug().Str("module", "notify").Bool("talking", talking).Msg("speaking")
}

func (LogNotifier) BitrateAdjusted(bps int) {
	log.Info().Str("module", "notify").Int("bitrate", bps).Msg("bitrate adjusted")
}

func (LogNotifier) TrackAdded(track domain.TrackInfo) {
	log.Info().Str("module", "notify").Str("kind", track.Kind).Str("track_id", track.ID).Msg("remote track")
}

func (LogNotifier) MediaChanged(kind string, receiving bool) {
	log.Debug().Str("module", "notify").Str("kind", kind).Bool("receiving", receiving).Msg("media")
}
