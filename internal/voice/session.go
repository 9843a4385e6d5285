package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/bloombot/internal/voice/events"
	"github.com/MrWong99/bloombot/pkg/audio"
)

// Source is a pull-based stream of voice frames. [*clip.Handle] implements it.
//
// Next blocks until a frame is available and returns io.EOF at the natural
// end of the stream. Stop must be idempotent and unblock a pending Next.
type Source interface {
	Next(ctx context.Context) (audio.AudioFrame, error)
	Stop()
	Position() time.Duration
}

// SessionState is the lifecycle state of a [Session].
type SessionState int

const (
	// SessionPlaying means frames are being streamed.
	SessionPlaying SessionState = iota
	// SessionFinished means the source reached its end.
	SessionFinished
	// SessionErrored means the transport rejected a frame.
	SessionErrored
	// SessionStopped means Stop was called or the connection was torn down.
	SessionStopped
)

// String returns the human-readable name of the state.
func (s SessionState) String() string {
	switch s {
	case SessionPlaying:
		return "PLAYING"
	case SessionFinished:
		return "FINISHED"
	case SessionErrored:
		return "ERRORED"
	case SessionStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Session plays one [Source] over one [Connection]. It ends when the source
// is exhausted, when the transport fails, or on Stop; in every case it
// detaches from the connection so a new session can be started.
type Session struct {
	id     string
	conn   *Connection
	src    Source
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  SessionState
	err    error
	unsubs []func()
}

func newSession(c *Connection, src Source) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     uuid.NewString(),
		conn:   c,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// TrackID returns the unique identifier of the playing track.
func (s *Session) TrackID() string { return s.id }

// Connection returns the connection the session plays on.
func (s *Session) Connection() *Connection { return s.conn }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the transport error that ended an errored session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the playback goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Observe registers obs for errors of this session's track. The returned
// function unregisters it. Observing an ended session is a no-op.
func (s *Session) Observe(obs events.Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionPlaying {
		return func() {}
	}
	u := s.conn.bus.Subscribe(s.id, obs)
	s.unsubs = append(s.unsubs, u)
	return u
}

// Stop ends playback and detaches the session from its connection. It
// always succeeds and is idempotent; the session's observers are removed
// before Stop returns.
func (s *Session) Stop() {
	if unsubs, ok := s.end(SessionStopped, nil); ok {
		for _, u := range unsubs {
			u()
		}
	}
}

// end moves a playing session into its final state and releases the source
// and the connection. It reports false when the session had already ended.
func (s *Session) end(state SessionState, err error) ([]func(), bool) {
	s.mu.Lock()
	if s.state != SessionPlaying {
		s.mu.Unlock()
		return nil, false
	}
	s.state = state
	s.err = err
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.src.Stop()
	s.cancel()
	s.conn.detach(s)
	return unsubs, true
}

func (s *Session) run(link audio.Connection) {
	defer close(s.done)

	log := slog.With("guild_id", s.conn.guildID, "track_id", s.id)
	for {
		frame, err := s.src.Next(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(SessionFinished, nil)
				log.Info("playback finished", "position", s.src.Position())
				return
			}
			s.finish(SessionStopped, nil)
			return
		}

		if err := link.Send(s.ctx, frame); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			log.Warn("playback failed", "position", s.src.Position(), "err", err)
			return
		}
	}
}

// finish ends the session and lets observers drain events already queued
// for it before they are removed.
func (s *Session) finish(state SessionState, err error) {
	if unsubs, ok := s.end(state, err); ok && len(unsubs) > 0 {
		s.conn.bus.Defer(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// fail reports a runtime transport error to the connection's observers and
// ends the session. The connection itself stays up.
func (s *Session) fail(err error) {
	s.conn.bus.Publish(events.TrackError{
		TrackID:  s.id,
		GuildID:  s.conn.guildID,
		Err:      err,
		State:    SessionErrored.String(),
		Position: s.src.Position(),
		Time:     time.Now(),
	})
	s.finish(SessionErrored, err)
}
