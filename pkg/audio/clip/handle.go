package clip

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/bloombot/pkg/audio"
)

// ErrStopped is returned by [Handle.Next] after [Handle.Stop].
var ErrStopped = errors.New("clip: handle stopped")

// State is the playback state of a [Handle].
type State int

const (
	// StateIdle means no frame has been read yet.
	StateIdle State = iota
	// StatePlaying means frames are being read.
	StatePlaying
	// StatePaused means Next blocks until Resume or Stop.
	StatePaused
	// StateStopped means the handle was stopped and yields no more frames.
	StateStopped
	// StateFinished means the cursor reached the end of the clip.
	StateFinished
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Handle is an independent playback cursor into a [Clip].
//
// Handle is safe for concurrent use: one goroutine typically pulls frames
// with Next while others call Pause, Resume or Stop.
type Handle struct {
	clip *Clip

	mu     sync.Mutex
	pos    int
	state  State
	resume chan struct{} // non-nil while paused; closed on Resume or Stop
}

func newHandle(c *Clip) *Handle {
	return &Handle{clip: c}
}

// Clip returns the clip this handle reads from.
func (h *Handle) Clip() *Clip { return h.clip }

// Next returns the next 20 ms frame. The final frame is padded with silence.
// Next blocks while the handle is paused. It returns io.EOF once the clip is
// exhausted, [ErrStopped] after Stop, or ctx.Err() if ctx ends while paused.
//
// Full frames alias the clip's buffer and must not be modified.
func (h *Handle) Next(ctx context.Context) (audio.AudioFrame, error) {
	for {
		h.mu.Lock()
		switch h.state {
		case StateStopped:
			h.mu.Unlock()
			return audio.AudioFrame{}, ErrStopped
		case StateFinished:
			h.mu.Unlock()
			return audio.AudioFrame{}, io.EOF
		case StatePaused:
			wait := h.resume
			h.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return audio.AudioFrame{}, ctx.Err()
			}
		case StateIdle:
			h.state = StatePlaying
		}

		frame, ok := h.advanceLocked()
		h.mu.Unlock()
		if !ok {
			return audio.AudioFrame{}, io.EOF
		}
		return frame, nil
	}
}

// advanceLocked cuts the frame at the cursor and moves it forward.
func (h *Handle) advanceLocked() (audio.AudioFrame, bool) {
	pcm := h.clip.pcm
	if h.pos >= len(pcm) {
		h.state = StateFinished
		return audio.AudioFrame{}, false
	}

	start := h.pos
	end := start + audio.FrameBytes
	var data []byte
	if end <= len(pcm) {
		data = pcm[start:end:end]
	} else {
		data = make([]byte, audio.FrameBytes)
		copy(data, pcm[start:])
		end = len(pcm)
	}
	h.pos = end

	return audio.AudioFrame{
		Data:       data,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Timestamp:  offset(start),
	}, true
}

// Pause suspends the handle. It reports whether the state changed.
func (h *Handle) Pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle && h.state != StatePlaying {
		return false
	}
	h.state = StatePaused
	h.resume = make(chan struct{})
	return true
}

// Resume continues a paused handle. It reports whether the state changed.
func (h *Handle) Resume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePaused {
		return false
	}
	h.state = StatePlaying
	close(h.resume)
	h.resume = nil
	return true
}

// Stop ends playback permanently and wakes a blocked Next. Stop is
// idempotent.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StatePaused {
		close(h.resume)
		h.resume = nil
	}
	if h.state != StateFinished {
		h.state = StateStopped
	}
}

// State returns the current playback state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Position returns how much of the clip has been read.
func (h *Handle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return offset(h.pos)
}

func offset(pos int) time.Duration {
	return time.Duration(pos) * time.Second / bytesPerSecond
}
