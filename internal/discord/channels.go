package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bloombot/internal/voice"
)

// ChannelLookup resolves a channel ID.
type ChannelLookup func(channelID string) (*discordgo.Channel, error)

// IsVoiceChannel reports whether ch accepts voice connections.
func IsVoiceChannel(ch *discordgo.Channel) bool {
	if ch == nil {
		return false
	}
	return ch.Type == discordgo.ChannelTypeGuildVoice || ch.Type == discordgo.ChannelTypeGuildStageVoice
}

// VoiceTargetChecker validates that a join target is a voice channel of the
// guild the command came from.
type VoiceTargetChecker struct {
	lookup ChannelLookup
}

// NewVoiceTargetChecker creates a checker resolving channels through lookup.
func NewVoiceTargetChecker(lookup ChannelLookup) *VoiceTargetChecker {
	return &VoiceTargetChecker{lookup: lookup}
}

// Check implements [voice.TargetCheck]. Lookup failures are reported as
// [voice.ReasonTransport]; a channel of the wrong type or guild as
// [voice.ReasonNotVoiceChannel].
func (c *VoiceTargetChecker) Check(ctx context.Context, guildID, channelID string) error {
	if err := ctx.Err(); err != nil {
		return &voice.JoinError{GuildID: guildID, ChannelID: channelID, Reason: voice.ReasonCancelled, Err: err}
	}
	ch, err := c.lookup(channelID)
	if err != nil {
		var rerr *discordgo.RESTError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == 404 {
			return &voice.JoinError{GuildID: guildID, ChannelID: channelID, Reason: voice.ReasonNotVoiceChannel, Err: err}
		}
		return &voice.JoinError{
			GuildID:   guildID,
			ChannelID: channelID,
			Reason:    voice.ReasonTransport,
			Err:       fmt.Errorf("discord: look up channel %s: %w", channelID, err),
		}
	}
	if !IsVoiceChannel(ch) {
		return &voice.JoinError{GuildID: guildID, ChannelID: channelID, Reason: voice.ReasonNotVoiceChannel}
	}
	if ch.GuildID != "" && ch.GuildID != guildID {
		return &voice.JoinError{
			GuildID:   guildID,
			ChannelID: channelID,
			Reason:    voice.ReasonNotVoiceChannel,
			Err:       fmt.Errorf("discord: channel %s belongs to guild %s", channelID, ch.GuildID),
		}
	}
	return nil
}

// sessionLookup resolves channels from the gateway state cache and falls back
// to the REST API.
func sessionLookup(s *discordgo.Session) ChannelLookup {
	return func(channelID string) (*discordgo.Channel, error) {
		if s.State != nil {
			if ch, err := s.State.Channel(channelID); err == nil {
				return ch, nil
			}
		}
		return s.Channel(channelID)
	}
}
