// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{}
//	got, err := platform.Connect(ctx, "guild-42", "channel-7")
//	conn := platform.Connections()[0]
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/bloombot/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported error fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// Channel is the channel reported by ChannelID and updated by Move.
	Channel string

	// SendError is returned by every Send call when non-nil.
	SendError error

	// SendErrorAfter, when > 0, makes Send fail with SendError only after that
	// many frames were accepted.
	SendErrorAfter int

	// MoveError is returned by Move.
	MoveError error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// Block, when non-nil, makes Send wait until it is closed (or ctx is done)
	// before accepting a frame.
	Block chan struct{}

	// Frames records every accepted frame in order.
	Frames []audio.AudioFrame

	// MoveCalls records the channel IDs passed to Move.
	MoveCalls []string

	// CallCountSend records how many times Send was called.
	CallCountSend int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	closed bool
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// Send implements [audio.Connection]. It records the frame and returns
// SendError according to SendErrorAfter.
func (c *Connection) Send(ctx context.Context, frame audio.AudioFrame) error {
	c.mu.Lock()
	block := c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountSend++
	if c.closed {
		return audio.ErrClosed
	}
	if c.SendError != nil && len(c.Frames) >= c.SendErrorAfter {
		return c.SendError
	}
	c.Frames = append(c.Frames, frame)
	return nil
}

// Move implements [audio.Connection]. Records the call and updates Channel
// unless MoveError is set.
func (c *Connection) Move(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MoveCalls = append(c.MoveCalls, channelID)
	if c.MoveError != nil {
		return c.MoveError
	}
	c.Channel = channelID
	return nil
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	c.closed = true
	return c.DisconnectError
}

// FrameCount returns the number of accepted frames.
func (c *Connection) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}

// SentFrames returns a copy of the accepted frames.
func (c *Connection) SentFrames() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.Frames))
	copy(out, c.Frames)
	return out
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// GuildID is the guildID argument passed to Connect.
	GuildID string
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform]. Each successful
// Connect returns a fresh [*Connection] unless NewConnection is set.
type Platform struct {
	mu sync.Mutex

	// ConnectError is the error returned by Connect.
	ConnectError error

	// Block, when non-nil, makes Connect wait until it is closed or ctx is done.
	Block chan struct{}

	// NewConnection, when set, builds the connection returned by Connect.
	NewConnection func(guildID, channelID string) *Connection

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	conns []*Connection
}

// Connect implements [audio.Platform]. Records the call and returns a new
// connection or ConnectError.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	var c *Connection
	if p.NewConnection != nil {
		c = p.NewConnection(guildID, channelID)
	} else {
		c = &Connection{Channel: channelID}
	}
	p.conns = append(p.conns, c)
	return c, nil
}

// Connections returns every connection handed out by Connect, in order.
func (p *Platform) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.conns))
	copy(out, p.conns)
	return out
}

// Calls returns a copy of the recorded Connect calls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}
