package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/bloombot/internal/observe"
)

// BusOption configures a [Bus].
type BusOption func(*Bus)

// WithLogger sets the logger used for recovered observer panics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.log = l }
}

// WithMetrics counts recovered observer panics.
func WithMetrics(m *observe.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// item is a queued event or a deferred callback.
type item struct {
	ev TrackError
	fn func()
}

type subscription struct {
	trackID string // empty matches every track
	obs     Observer
	active  atomic.Bool
}

// Bus is a connection-scoped dispatcher of [TrackError] events.
//
// Publish never blocks: events are queued and delivered by a single
// dispatcher goroutine in the order they were published. An observer that
// panics is recovered and logged; the remaining observers still receive the
// event. All methods are safe for concurrent use.
type Bus struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	subs   []*subscription
	queue  []item
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewBus creates a bus and starts its dispatcher. Call [Bus.Close] to stop it.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		log:  slog.Default(),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.dispatch()
	return b
}

// Subscribe registers obs for errors of trackID, or for every track on the
// connection when trackID is empty. The returned function unregisters obs;
// it is idempotent. Subscribe on a closed bus returns a no-op unsubscribe.
func (b *Bus) Subscribe(trackID string, obs Observer) (unsubscribe func()) {
	s := &subscription{trackID: trackID, obs: obs}
	s.active.Store(true)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() { b.remove(s) }
}

func (b *Bus) remove(target *subscription) {
	target.active.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish queues ev for delivery. It is a no-op after [Bus.Close].
func (b *Bus) Publish(ev TrackError) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, item{ev: ev})
	b.mu.Unlock()
	b.signal()
}

// Defer runs fn on the dispatcher once every event published before it has
// been delivered. On a closed bus fn runs immediately on the caller.
func (b *Bus) Defer(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fn()
		return
	}
	b.queue = append(b.queue, item{fn: fn})
	b.mu.Unlock()
	b.signal()
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close unregisters every observer and stops the dispatcher. Queued events
// and pending Defer callbacks are discarded. Close is idempotent and does not
// wait for an in-flight observer call; use [Bus.Done] for that.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.active.Store(false)
	}
	b.subs = nil
	b.queue = nil
	close(b.quit)
}

// Done is closed once the dispatcher goroutine has exited.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case <-b.wake:
		}
		for {
			it, subs, ok := b.next()
			if !ok {
				break
			}
			if it.fn != nil {
				it.fn()
				continue
			}
			ev := it.ev
			for _, s := range subs {
				if s.trackID != "" && s.trackID != ev.TrackID {
					continue
				}
				if !s.active.Load() {
					continue
				}
				b.deliver(s.obs, ev)
			}
		}
	}
}

// next pops the oldest item together with a snapshot of the subscribers.
func (b *Bus) next() (item, []*subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.queue) == 0 {
		return item{}, nil, false
	}
	it := b.queue[0]
	b.queue[0] = item{}
	b.queue = b.queue[1:]
	return it, append([]*subscription(nil), b.subs...), true
}

func (b *Bus) deliver(obs Observer, ev TrackError) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("events: observer panicked",
				"track_id", ev.TrackID,
				"guild_id", ev.GuildID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			if b.metrics != nil {
				b.metrics.ObserverPanics.Add(context.Background(), 1)
			}
		}
	}()
	obs.OnTrackError(ev)
}
