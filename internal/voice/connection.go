package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/bloombot/internal/observe"
	"github.com/MrWong99/bloombot/internal/voice/events"
	"github.com/MrWong99/bloombot/pkg/audio"
)

// State is the lifecycle state of a [Connection].
type State int

const (
	// StateDisconnected means the connection was torn down.
	StateDisconnected State = iota
	// StateConnecting means the voice handshake is in progress.
	StateConnecting
	// StateConnected means audio can be streamed.
	StateConnected
	// StateFailed means the handshake did not complete.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the bot's presence in one voice channel of one guild. It owns
// the transport link, the event bus its sessions publish to, and at most one
// playing [Session].
//
// All state changes (move, play, stop, teardown) are serialised by the
// connection's mutex. Connections are created and destroyed only by the
// [Manager].
type Connection struct {
	guildID string
	bus     *events.Bus
	metrics *observe.Metrics

	mu        sync.Mutex
	channelID string
	state     State
	link      audio.Connection
	session   *Session
}

func newConnection(guildID, channelID string, metrics *observe.Metrics) *Connection {
	return &Connection{
		guildID:   guildID,
		channelID: channelID,
		state:     StateConnecting,
		metrics:   metrics,
		bus:       events.NewBus(events.WithMetrics(metrics)),
	}
}

// GuildID returns the guild this connection belongs to.
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID returns the voice channel the connection currently occupies.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the active playback session, if any.
func (c *Connection) Session() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session != nil
}

// Events returns the connection's event bus. Observers subscribed directly
// stay registered until they unsubscribe or the connection is torn down.
func (c *Connection) Events() *events.Bus { return c.bus }

// attach completes the handshake.
func (c *Connection) attach(link audio.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = link
	c.state = StateConnected
}

// fail marks a connection whose handshake never completed and releases its bus.
func (c *Connection) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
	c.bus.Close()
}

// move switches the link to channelID. A failed move leaves the connection on
// its previous channel.
func (c *Connection) move(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if err := c.link.Move(ctx, channelID); err != nil {
		return fmt.Errorf("voice: move to channel %s: %w", channelID, err)
	}
	c.channelID = channelID
	return nil
}

// close stops the active session, waits for its playback goroutine, shuts
// down the bus and disconnects the link. It is safe to call more than once.
func (c *Connection) close() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	sess := c.session
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Stop()
		<-sess.Done()
	}
	c.bus.Close()

	if link == nil {
		return nil
	}
	if err := link.Disconnect(); err != nil {
		return fmt.Errorf("voice: disconnect guild %s: %w", c.guildID, err)
	}
	return nil
}

// Play binds src to the connection and starts streaming it immediately. The
// given observers are registered for this session's track only and are
// removed when the session ends.
//
// Play fails with an [*AlreadyPlayingError] (matching [ErrAlreadyPlaying])
// while another session is active, and with [ErrNotConnected] when the
// connection is not up.
func (c *Connection) Play(src Source, observers ...events.Observer) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return nil, ErrNotConnected
	}
	if c.session != nil {
		return nil, &AlreadyPlayingError{GuildID: c.guildID, TrackID: c.session.id}
	}

	s := newSession(c, src)
	for _, obs := range observers {
		s.unsubs = append(s.unsubs, c.bus.Subscribe(s.id, obs))
	}
	c.session = s
	c.metrics.ActiveSessions.Add(context.Background(), 1)

	slog.Info("playback started",
		"guild_id", c.guildID,
		"channel_id", c.channelID,
		"track_id", s.id,
	)

	go s.run(c.link)
	return s, nil
}

// detach clears s as the active session. It is a no-op if s has already been
// replaced or removed.
func (c *Connection) detach(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	c.session = nil
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}
