// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with bloombot's PCM [audio.AudioFrame]
// playback.
//
// The platform requires an active *discordgo.Session (owned by the bot layer).
// Each call to [Platform.Connect] joins the specified voice channel and
// returns a [Connection] that encodes outgoing frames to Opus.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/bloombot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// joinFunc matches (*discordgo.Session).ChannelVoiceJoin.
type joinFunc func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session

	// join performs the voice handshake. Defaults to session.ChannelVoiceJoin;
	// overridden in tests.
	join joinFunc
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session) *Platform {
	return &Platform{
		session: session,
		join:    session.ChannelVoiceJoin,
	}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins the voice channel channelID of guildID and returns an active
// [audio.Connection]. The handshake is bounded by ctx: when ctx is done first,
// Connect returns ctx.Err() and a connection that completes later is
// disconnected in the background.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	results := make(chan joinResult, 1)
	go func() {
		// mute=false (we send audio), deaf=true (we never receive).
		vc, err := p.join(guildID, channelID, false, true)
		results <- joinResult{vc: vc, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			if r.vc != nil {
				_ = r.vc.Disconnect()
			}
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, r.err)
		}
		return newConnection(r.vc, guildID, channelID), nil
	case <-ctx.Done():
		go func() {
			r := <-results
			if r.vc != nil {
				if err := r.vc.Disconnect(); err != nil {
					slog.Warn("discord: disconnect abandoned voice join", "guild_id", guildID, "channel_id", channelID, "err", err)
				}
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
}
