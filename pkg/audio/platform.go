// Package audio defines the interfaces and types for voice transport
// connectivity within bloombot.
//
// The two primary abstractions are:
//
//   - [Platform] connects to a voice channel of a guild and returns a [Connection].
//   - [Connection] is an established voice link that accepts outgoing PCM frames
//     and can be moved to another channel of the same guild.
//
// Implementations of these interfaces are provided by platform-specific adapter
// packages (e.g., audio/discord). The interfaces are intentionally narrow so
// the voice lifecycle manager stays decoupled from the real-time media
// transport.
//
// This package lives under pkg/ because external code (third-party platform
// adapters) is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Connection.Send] and [Connection.Move] after
// [Connection.Disconnect] has been called.
var ErrClosed = errors.New("audio: connection closed")

// Connection represents an established voice link to one channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel the link currently targets.
	ChannelID() string

	// Send hands one PCM frame to the transport. It blocks until the frame is
	// accepted, ctx is done, or the connection closes. Frames should be
	// 20 ms of 48 kHz stereo s16le PCM; other formats are converted or
	// rejected by the implementation.
	//
	// The frame's Data must not be modified after Send returns; callers may
	// pass slices of shared read-only buffers.
	Send(ctx context.Context, frame AudioFrame) error

	// Move switches the link to another voice channel of the same guild
	// without tearing it down.
	Move(ctx context.Context, channelID string) error

	// Disconnect tears the link down. It is safe to call Disconnect more than
	// once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
// Implementations wrap provider-specific SDKs and expose a uniform
// [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel channelID of guild guildID and returns an
	// active [Connection]. The supplied ctx bounds the handshake only; once
	// connected, the Connection remains alive until [Connection.Disconnect]
	// is called.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
