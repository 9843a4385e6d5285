package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/bloombot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// speakingIdle is how long the link may go without frames before the
// speaking indicator is cleared.
const speakingIdle = 250 * time.Millisecond

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Outgoing PCM frames are encoded to Opus on
// the caller's goroutine and handed to discordgo's paced Opus sender.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string

	mu        sync.RWMutex
	channelID string

	encMu sync.Mutex
	enc   *opusEncoder

	activity chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the voice connection. Defaults to vc.Disconnect;
	// overridden in tests.
	disconnectVC func() error

	// changeChannel moves the voice connection. Defaults to vc.ChangeChannel;
	// overridden in tests.
	changeChannel func(channelID string, mute, deaf bool) error

	// speaking sends the speaking notification. Defaults to vc.Speaking.
	speaking func(bool) error
}

// newConnection initialises a Connection for an already-joined voice channel.
func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	c := &Connection{
		vc:            vc,
		guildID:       guildID,
		channelID:     channelID,
		activity:      make(chan struct{}, 1),
		done:          make(chan struct{}),
		disconnectVC:  vc.Disconnect,
		changeChannel: vc.ChangeChannel,
		speaking:      vc.Speaking,
	}
	go c.speakingLoop()
	return c
}

// ChannelID returns the channel the voice connection currently targets.
func (c *Connection) ChannelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

// Send encodes one 20 ms PCM frame to Opus and queues it on the voice
// connection. Only 48 kHz stereo frames of exactly [audio.FrameBytes] are
// accepted.
func (c *Connection) Send(ctx context.Context, frame audio.AudioFrame) error {
	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}

	if frame.Format() != audio.VoiceFormat {
		return fmt.Errorf("discord: unsupported frame format %s, want %s", frame.Format(), audio.VoiceFormat)
	}
	if len(frame.Data) != audio.FrameBytes {
		return fmt.Errorf("discord: frame has %d bytes, want %d", len(frame.Data), audio.FrameBytes)
	}

	opus, err := c.encode(frame.Data)
	if err != nil {
		return err
	}

	select {
	case c.activity <- struct{}{}:
	default:
	}

	select {
	case c.vc.OpusSend <- opus:
		return nil
	case <-c.done:
		return audio.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Move switches the voice connection to channelID within the same guild.
func (c *Connection) Move(_ context.Context, channelID string) error {
	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelID == channelID {
		return nil
	}
	if err := c.changeChannel(channelID, false, true); err != nil {
		return fmt.Errorf("discord: move to channel %q: %w", channelID, err)
	}
	c.channelID = channelID
	return nil
}

// Disconnect cleanly tears down the voice connection and stops background
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			if dErr := c.disconnectVC(); dErr != nil {
				err = fmt.Errorf("discord: disconnect guild %q: %w", c.guildID, dErr)
			}
		}
	})
	return err
}

// encode lazily creates the Opus encoder and encodes pcm.
func (c *Connection) encode(pcm []byte) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	if c.enc == nil {
		enc, err := newOpusEncoder()
		if err != nil {
			return nil, err
		}
		c.enc = enc
	}
	return c.enc.encode(pcm)
}

// speakingLoop raises the speaking indicator on the first frame after a
// silence and clears it once frames stop arriving for speakingIdle.
func (c *Connection) speakingLoop() {
	idle := time.NewTimer(speakingIdle)
	idle.Stop()
	speaking := false

	for {
		select {
		case <-c.done:
			idle.Stop()
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-c.activity:
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			idle.Reset(speakingIdle)
		case <-idle.C:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if c.speaking == nil {
		return
	}
	if err := c.speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "guild_id", c.guildID, "speaking", b, "err", err)
	}
}
