package voice

import (
	"errors"
	"fmt"
)

// ErrAlreadyPlaying matches every [AlreadyPlayingError].
var ErrAlreadyPlaying = errors.New("voice: already playing")

// ErrNotConnected is returned by [Connection.Play] when the connection is not
// in [StateConnected].
var ErrNotConnected = errors.New("voice: connection is not connected")

// ErrClosed is returned by [Manager.Join] after [Manager.Close].
var ErrClosed = errors.New("voice: manager closed")

// Reason classifies a [JoinError].
type Reason int

const (
	// ReasonNoVoiceContext means the invocation carried no guild.
	ReasonNoVoiceContext Reason = iota + 1
	// ReasonNotVoiceChannel means the target is missing or not a voice channel.
	ReasonNotVoiceChannel
	// ReasonTransport means the platform refused or failed the handshake.
	ReasonTransport
	// ReasonTimeout means the handshake did not finish within the join timeout.
	ReasonTimeout
	// ReasonCancelled means the caller or a concurrent Leave aborted the join.
	ReasonCancelled
)

// String returns a short label suitable for logs and metric attributes.
func (r Reason) String() string {
	switch r {
	case ReasonNoVoiceContext:
		return "no_voice_context"
	case ReasonNotVoiceChannel:
		return "not_voice_channel"
	case ReasonTransport:
		return "transport"
	case ReasonTimeout:
		return "timeout"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// JoinError reports a failed [Manager.Join]. The connection table is left
// consistent: a connection that failed to come up is never kept.
type JoinError struct {
	GuildID   string
	ChannelID string
	Reason    Reason
	Err       error
}

// Error implements error.
func (e *JoinError) Error() string {
	msg := fmt.Sprintf("voice: join guild %s channel %s: %s", e.GuildID, e.ChannelID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *JoinError) Unwrap() error { return e.Err }

// AlreadyPlayingError is returned by [Connection.Play] while another session
// is active on the connection. The running session is not affected.
type AlreadyPlayingError struct {
	GuildID string
	TrackID string
}

// Error implements error.
func (e *AlreadyPlayingError) Error() string {
	return fmt.Sprintf("voice: guild %s is already playing track %s", e.GuildID, e.TrackID)
}

// Is reports whether target is [ErrAlreadyPlaying].
func (e *AlreadyPlayingError) Is(target error) bool { return target == ErrAlreadyPlaying }
