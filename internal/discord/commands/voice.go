// Package commands implements Discord slash command handlers for bloombot.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bloombot/internal/discord"
	"github.com/MrWong99/bloombot/internal/voice"
	"github.com/MrWong99/bloombot/internal/voice/events"
	"github.com/MrWong99/bloombot/pkg/audio/clip"
)

// commandTimeout bounds the work a single interaction may do. Discord keeps
// deferred interaction tokens valid for 15 minutes.
const commandTimeout = 30 * time.Second

// VoiceStateLookup returns the voice channel userID currently sits in.
type VoiceStateLookup func(guildID, userID string) (channelID string, ok bool)

// VoiceConfig holds the dependencies for the voice slash commands.
type VoiceConfig struct {
	// Manager owns the guild voice connections.
	Manager *voice.Manager

	// Clip is played on every successful /join.
	Clip *clip.Clip

	// InviteURL is returned by /invite.
	InviteURL string

	// VoiceState resolves the caller's channel when /join is used without a
	// channel option. Optional.
	VoiceState VoiceStateLookup

	// Observers are attached to every session started by /join in addition
	// to the one that reports failures back to the invoking user.
	Observers []events.Observer
}

// VoiceCommands holds the dependencies for /join, /leave and /invite.
type VoiceCommands struct {
	mgr        *voice.Manager
	clip       *clip.Clip
	inviteURL  string
	voiceState VoiceStateLookup
	observers  []events.Observer
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// router.
func NewVoiceCommands(router *discord.CommandRouter, cfg VoiceConfig) *VoiceCommands {
	vc := &VoiceCommands{
		mgr:        cfg.Manager,
		clip:       cfg.Clip,
		inviteURL:  cfg.InviteURL,
		voiceState: cfg.VoiceState,
		observers:  cfg.Observers,
	}
	vc.Register(router)
	return vc
}

// Register registers /join, /leave and /invite with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	for _, def := range vc.Definitions() {
		switch def.Name {
		case "join":
			router.RegisterCommand(def.Name, def, vc.handleJoin)
		case "leave":
			router.RegisterCommand(def.Name, def, vc.handleLeave)
		case "invite":
			router.RegisterCommand(def.Name, def, vc.handleInvite)
		}
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (vc *VoiceCommands) Definitions() []*discordgo.ApplicationCommand {
	guildOnly := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return []*discordgo.ApplicationCommand{
		{
			Name:        "join",
			Description: "Join a voice channel and play the clip",
			Contexts:    &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        "channel",
					Description: "Voice channel to join (defaults to yours)",
					ChannelTypes: []discordgo.ChannelType{
						discordgo.ChannelTypeGuildVoice,
						discordgo.ChannelTypeGuildStageVoice,
					},
				},
			},
		},
		{
			Name:        "leave",
			Description: "Leave the voice channel",
			Contexts:    &guildOnly,
		},
		{
			Name:        "invite",
			Description: "Get a link to add the bot to another server",
		},
	}
}

// handleJoin handles /join [channel].
func (vc *VoiceCommands) handleJoin(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, userMessage(&voice.JoinError{Reason: voice.ReasonNoVoiceContext}))
		return
	}
	channelID, err := vc.target(i)
	if err != nil {
		discord.RespondEphemeral(r, i, userMessage(err))
		return
	}

	// Connecting may take a few seconds.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	conn, err := vc.mgr.Join(ctx, i.GuildID, channelID)
	if err != nil {
		discord.FollowUp(r, i, userMessage(err))
		return
	}

	observers := append([]events.Observer{&replyObserver{r: r, i: i}}, vc.observers...)
	sess, err := conn.Play(vc.clip.NewHandle(), observers...)
	if err != nil {
		discord.FollowUp(r, i, userMessage(err))
		return
	}

	slog.Debug("join command played clip",
		"guild_id", i.GuildID,
		"channel_id", channelID,
		"track_id", sess.TrackID(),
		"user_id", interactionUserID(i),
	)
	discord.FollowUp(r, i, fmt.Sprintf("Connected to <#%s>! Playing **%s** (%s).",
		channelID, filepath.Base(vc.clip.Meta().Name), vc.clip.Duration().Truncate(time.Second)))
}

// target returns the channel to join: the explicit option when present,
// otherwise the caller's current voice channel.
func (vc *VoiceCommands) target(i *discordgo.InteractionCreate) (string, error) {
	data := i.ApplicationCommandData()
	for _, opt := range data.Options {
		if opt.Name != "channel" || opt.Type != discordgo.ApplicationCommandOptionChannel {
			continue
		}
		id, _ := opt.Value.(string)
		if data.Resolved != nil {
			if ch, ok := data.Resolved.Channels[id]; ok && !discord.IsVoiceChannel(ch) {
				return "", &voice.JoinError{GuildID: i.GuildID, ChannelID: id, Reason: voice.ReasonNotVoiceChannel}
			}
		}
		return id, nil
	}

	if vc.voiceState != nil {
		if id, ok := vc.voiceState(i.GuildID, interactionUserID(i)); ok {
			return id, nil
		}
	}
	return "", errNoChannel
}

var errNoChannel = errors.New("commands: no channel given and caller is not in voice")

// handleLeave handles /leave.
func (vc *VoiceCommands) handleLeave(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, userMessage(&voice.JoinError{Reason: voice.ReasonNoVoiceContext}))
		return
	}
	if _, ok := vc.mgr.Get(i.GuildID); !ok {
		discord.RespondEphemeral(r, i, "I'm not in a voice channel.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := vc.mgr.Leave(ctx, i.GuildID); err != nil {
		discord.RespondError(r, i, fmt.Errorf("leave voice channel: %w", err))
		return
	}
	discord.RespondEphemeral(r, i, "Left the voice channel.")
}

// handleInvite handles /invite.
func (vc *VoiceCommands) handleInvite(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.RespondEphemeral(r, i, fmt.Sprintf("Add me to your server: <%s>", vc.inviteURL))
}

// replyObserver reports a failure of the session started by an interaction
// back to the user who started it.
type replyObserver struct {
	r discord.Responder
	i *discordgo.InteractionCreate
}

func (o *replyObserver) OnTrackError(ev events.TrackError) {
	discord.FollowUp(o.r, o.i, fmt.Sprintf("Playback stopped after %s: %v",
		ev.Position.Truncate(time.Millisecond), ev.Err))
}

// userMessage converts a command failure into the text shown to the user.
func userMessage(err error) string {
	var je *voice.JoinError
	switch {
	case errors.Is(err, errNoChannel):
		return "Pick a voice channel or join one first."
	case errors.Is(err, voice.ErrClosed):
		return "I'm shutting down, try again in a moment."
	case errors.As(err, &je):
		switch je.Reason {
		case voice.ReasonNoVoiceContext:
			return "This command only works inside a server."
		case voice.ReasonNotVoiceChannel:
			return "That is not a voice channel I can join."
		case voice.ReasonTimeout:
			return fmt.Sprintf("Timed out connecting to <#%s>. Please try again.", je.ChannelID)
		case voice.ReasonCancelled:
			return "The join was cancelled."
		default:
			return fmt.Sprintf("Could not connect to <#%s>.", je.ChannelID)
		}
	case errors.Is(err, voice.ErrAlreadyPlaying):
		return "Already playing! Wait for the clip to finish."
	case errors.Is(err, voice.ErrNotConnected):
		return "The voice connection dropped, please /join again."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// interactionUserID extracts the user ID from an interaction, handling both
// guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
