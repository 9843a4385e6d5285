// Package voice manages the bot's voice presence per guild: one
// [Connection] per guild, created, reused, moved and torn down by a
// [Manager], and at most one playing [Session] per connection.
//
// Join and Leave for the same guild are serialised by a per-guild slot lock,
// so concurrent commands in one guild observe each other's effects in order.
// Operations on different guilds never share a lock beyond the short
// critical section that guards the connection table itself.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bloombot/internal/observe"
	"github.com/MrWong99/bloombot/internal/voice/events"
	"github.com/MrWong99/bloombot/pkg/audio"
)

// DefaultJoinTimeout bounds the voice handshake when no other timeout is
// configured.
const DefaultJoinTimeout = 10 * time.Second

// TargetCheck validates a join target before any connection is attempted.
// Returning a [*JoinError] preserves its reason; any other error is reported
// as [ReasonNotVoiceChannel].
type TargetCheck func(ctx context.Context, guildID, channelID string) error

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithJoinTimeout overrides [DefaultJoinTimeout]. Non-positive values are
// ignored.
func WithJoinTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithObservers registers observers on every connection's event bus for the
// lifetime of that connection, regardless of which track fails.
func WithObservers(obs ...events.Observer) ManagerOption {
	return func(m *Manager) { m.observers = append(m.observers, obs...) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// WithTargetCheck installs a validation hook run by Join.
func WithTargetCheck(check TargetCheck) ManagerOption {
	return func(m *Manager) { m.check = check }
}

// slot serialises Join and Leave for a single guild. conn and cancel are
// written with both the slot lock and Manager.mu held; readers need either.
type slot struct {
	lock   chan struct{}
	refs   int
	conn   *Connection
	cancel context.CancelFunc // non-nil while a join is in flight
}

// Manager owns the guild → [Connection] table. All methods are safe for
// concurrent use.
type Manager struct {
	platform  audio.Platform
	timeout   time.Duration
	observers []events.Observer
	metrics   *observe.Metrics
	check     TargetCheck

	mu     sync.Mutex // guards the table only, never held across I/O
	slots  map[string]*slot
	closed bool
}

// NewManager creates a Manager that connects through platform.
func NewManager(platform audio.Platform, opts ...ManagerOption) *Manager {
	m := &Manager{
		platform: platform,
		timeout:  DefaultJoinTimeout,
		slots:    make(map[string]*slot),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// acquire takes the slot lock for guildID, creating the slot if needed. If
// abort is true and a handshake is in flight, it is cancelled first.
func (m *Manager) acquire(ctx context.Context, guildID string, abort bool) (*slot, error) {
	m.mu.Lock()
	s, ok := m.slots[guildID]
	if !ok {
		s = &slot{lock: make(chan struct{}, 1)}
		m.slots[guildID] = s
	}
	if abort && s.cancel != nil {
		s.cancel()
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.lock <- struct{}{}:
		return s, nil
	case <-ctx.Done():
		m.unref(guildID, s)
		return nil, ctx.Err()
	}
}

// release gives up the slot lock and drops the slot once nobody needs it.
func (m *Manager) release(guildID string, s *slot) {
	<-s.lock
	m.unref(guildID, s)
}

func (m *Manager) unref(guildID string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && s.conn == nil {
		delete(m.slots, guildID)
	}
}

func (m *Manager) setConn(s *slot, c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.conn = c
}

func (m *Manager) setCancel(s *slot, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.cancel = cancel
}

// Get returns the guild's connection, if one exists. The connection may still
// be in [StateConnecting].
func (m *Manager) Get(guildID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[guildID]
	if !ok || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

// Len returns the number of guilds with a connection.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.conn != nil {
			n++
		}
	}
	return n
}

// Join returns the guild's connection to channelID, establishing it if
// necessary.
//
//   - Already in channelID: the existing connection is returned unchanged.
//   - In another channel: the existing connection is moved; the same
//     *Connection is returned.
//   - Not connected: a new connection is established within the join timeout.
//
// Every failure is a [*JoinError]. A connection whose handshake fails or
// times out is marked [StateFailed] and removed from the table.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) (*Connection, error) {
	if guildID == "" {
		return nil, &JoinError{ChannelID: channelID, Reason: ReasonNoVoiceContext}
	}
	if channelID == "" {
		return nil, &JoinError{GuildID: guildID, Reason: ReasonNotVoiceChannel}
	}
	ctx, span := observe.StartSpan(ctx, "voice.join", observe.VoiceAttrs(guildID, channelID))
	defer span.End()

	conn, err := m.join(ctx, guildID, channelID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reasonOf(err).String())
	}
	return conn, err
}

func (m *Manager) join(ctx context.Context, guildID, channelID string) (conn *Connection, err error) {
	start := time.Now()
	action := "connect"
	defer func() {
		status := "ok"
		if err != nil {
			status = reasonOf(err).String()
		}
		m.metrics.RecordJoin(ctx, action, status, time.Since(start))
	}()

	s, err := m.acquire(ctx, guildID, false)
	if err != nil {
		return nil, &JoinError{GuildID: guildID, ChannelID: channelID, Reason: classify(ctx, err), Err: err}
	}
	defer m.release(guildID, s)

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, &JoinError{GuildID: guildID, ChannelID: channelID, Reason: ReasonCancelled, Err: ErrClosed}
	}

	if existing := s.conn; existing != nil && existing.ChannelID() == channelID {
		action = "reuse"
		return existing, nil
	}

	// Everything from here on, target check included, is aborted by Leave.
	jctx, abort := context.WithCancel(ctx)
	defer abort()
	m.setCancel(s, abort)
	defer m.setCancel(s, nil)

	if err := m.checkTarget(jctx, guildID, channelID); err != nil {
		return nil, err
	}

	if existing := s.conn; existing != nil {
		action = "move"
		mctx, cancel := context.WithTimeout(jctx, m.timeout)
		defer cancel()
		if err := existing.move(mctx, channelID); err != nil {
			return nil, &JoinError{GuildID: guildID, ChannelID: channelID, Reason: classify(mctx, err), Err: err}
		}
		slog.Info("voice connection moved", "guild_id", guildID, "channel_id", channelID)
		return existing, nil
	}

	conn = newConnection(guildID, channelID, m.metrics)
	for _, obs := range m.observers {
		conn.bus.Subscribe("", obs)
	}

	cctx, cancel := context.WithTimeout(jctx, m.timeout)
	defer cancel()
	m.setConn(s, conn)

	link, err := m.platform.Connect(cctx, guildID, channelID)
	if err == nil && cctx.Err() != nil {
		// The handshake won the race against cancellation; drop the link.
		_ = link.Disconnect()
		err = cctx.Err()
	}
	if err != nil {
		conn.fail()
		m.setConn(s, nil)
		je := &JoinError{GuildID: guildID, ChannelID: channelID, Reason: classify(cctx, err), Err: err}
		slog.Warn("voice join failed",
			"guild_id", guildID,
			"channel_id", channelID,
			"reason", je.Reason.String(),
			"err", err,
		)
		return nil, je
	}

	conn.attach(link)
	m.metrics.ActiveConnections.Add(ctx, 1)
	slog.Info("voice connected", "guild_id", guildID, "channel_id", channelID)
	return conn, nil
}

// checkTarget runs the configured [TargetCheck]. A check aborted through ctx
// is reported as cancelled or timed out; a [*JoinError] from the check is
// passed through; any other error means the target is not a voice channel.
func (m *Manager) checkTarget(ctx context.Context, guildID, channelID string) error {
	if m.check == nil {
		return nil
	}
	err := m.check(ctx, guildID, channelID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &JoinError{GuildID: guildID, ChannelID: channelID, Reason: classify(ctx, err), Err: err}
	}
	var je *JoinError
	if errors.As(err, &je) {
		return je
	}
	return &JoinError{GuildID: guildID, ChannelID: channelID, Reason: ReasonNotVoiceChannel, Err: err}
}

// classify maps a handshake failure onto a [Reason] using the state of the
// handshake's context.
func classify(ctx context.Context, err error) Reason {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case ctx.Err() != nil:
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonTransport
	}
}

func reasonOf(err error) Reason {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Reason
	}
	return ReasonTransport
}

// Leave tears down the guild's connection: any in-flight Join for the guild
// is cancelled, the active session is stopped, the event bus is closed and
// the link is disconnected. Leave on a guild without a connection is a no-op
// and returns nil.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	m.mu.Lock()
	_, known := m.slots[guildID]
	m.mu.Unlock()
	if !known {
		return nil
	}

	s, err := m.acquire(ctx, guildID, true)
	if err != nil {
		return fmt.Errorf("voice: leave guild %s: %w", guildID, err)
	}
	defer m.release(guildID, s)

	conn := s.conn
	if conn == nil {
		return nil
	}
	m.setConn(s, nil)

	err = conn.close()
	m.metrics.ActiveConnections.Add(ctx, -1)
	m.metrics.VoiceLeaves.Add(ctx, 1)
	if err != nil {
		slog.Warn("voice disconnect failed", "guild_id", guildID, "err", err)
		return err
	}
	slog.Info("voice disconnected", "guild_id", guildID)
	return nil
}

// Close leaves every guild concurrently and rejects further joins. It
// returns the joined errors of all failed disconnects.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	guilds := make([]string, 0, len(m.slots))
	for g := range m.slots {
		guilds = append(guilds, g)
	}
	m.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(guilds))
	for i, guildID := range guilds {
		g.Go(func() error {
			errs[i] = m.Leave(ctx, guildID)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
