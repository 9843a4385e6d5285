// Package events carries asynchronous playback errors from a voice
// connection to the observers that registered interest in them.
//
// Each voice connection owns one [Bus]. Playback goroutines publish a
// [TrackError] when the transport rejects audio; the bus hands it to every
// matching [Observer] on its own dispatcher goroutine, in publish order, so a
// slow or misbehaving observer never stalls playback.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/bloombot/internal/observe"
)

// TrackError describes a runtime failure of a playing track. Values are
// immutable once published.
type TrackError struct {
	// TrackID identifies the session that failed.
	TrackID string

	// GuildID is the guild whose connection carried the track.
	GuildID string

	// Err is the transport or decoder error.
	Err error

	// State is the session state the failure left the track in.
	State string

	// Position is how far playback got before the failure.
	Position time.Duration

	// Time is when the failure was observed.
	Time time.Time
}

// Observer receives track errors. OnTrackError runs on the bus dispatcher
// goroutine and must not block for long.
type Observer interface {
	OnTrackError(TrackError)
}

// ObserverFunc adapts a plain function to [Observer].
type ObserverFunc func(TrackError)

// OnTrackError calls f(ev).
func (f ObserverFunc) OnTrackError(ev TrackError) { f(ev) }

// LogObserver logs every track error at warn level.
type LogObserver struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// OnTrackError implements [Observer].
func (o LogObserver) OnTrackError(ev TrackError) {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Warn("track error",
		"guild_id", ev.GuildID,
		"track_id", ev.TrackID,
		"state", ev.State,
		"position", ev.Position,
		"err", ev.Err,
	)
}

// MetricsObserver counts track errors per guild.
type MetricsObserver struct {
	Metrics *observe.Metrics
}

// OnTrackError implements [Observer].
func (o MetricsObserver) OnTrackError(ev TrackError) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.RecordTrackError(context.Background(), ev.GuildID)
}
