package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/bloombot/internal/observe"
	"github.com/MrWong99/bloombot/internal/voice/events"
	"github.com/MrWong99/bloombot/pkg/audio"
	"github.com/MrWong99/bloombot/pkg/audio/clip"
	"github.com/MrWong99/bloombot/pkg/audio/mock"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

var (
	testClipOnce sync.Once
	testClip     *clip.Clip
	testClipErr  error
)

// loadTestClip decodes a 2-second silent WAV stub once per test binary.
func loadTestClip(t *testing.T) *clip.Clip {
	t.Helper()
	testClipOnce.Do(func() {
		dir, err := os.MkdirTemp("", "bloombot-voice")
		if err != nil {
			testClipErr = err
			return
		}
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "clip.wav")
		f, err := os.Create(path)
		if err != nil {
			testClipErr = err
			return
		}
		rate := beep.SampleRate(audio.SampleRate)
		format := beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2}
		if err := wav.Encode(f, beep.Silence(rate.N(2*time.Second)), format); err != nil {
			f.Close()
			testClipErr = err
			return
		}
		f.Close()
		testClip, testClipErr = clip.Load(path)
	})
	if testClipErr != nil {
		t.Fatalf("load test clip: %v", testClipErr)
	}
	return testClip
}

// blockingPlatform returns a mock platform whose connections hold every Send
// until release is closed, keeping sessions in the playing state.
func blockingPlatform(t *testing.T) (*mock.Platform, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	p := &mock.Platform{
		NewConnection: func(_, channelID string) *mock.Connection {
			return &mock.Connection{Channel: channelID, Block: release}
		},
	}
	return p, release
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// gauge sums all data points of an int64 sum metric.
func gauge(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func newTestManager(t *testing.T, p audio.Platform, opts ...ManagerOption) *Manager {
	t.Helper()
	m, _ := newTestMetrics(t)
	opts = append([]ManagerOption{WithMetrics(m)}, opts...)
	mgr := NewManager(p, opts...)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

func joinReason(t *testing.T, err error) Reason {
	t.Helper()
	var je *JoinError
	if !errors.As(err, &je) {
		t.Fatalf("error %v is not a *JoinError", err)
	}
	return je.Reason
}

// ─── Join ─────────────────────────────────────────────────────────────────────

func TestJoin_SameChannelIsIdempotent(t *testing.T) {
	t.Parallel()

	p := &mock.Platform{}
	mgr := newTestManager(t, p)
	ctx := context.Background()

	first, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	second, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if first != second {
		t.Error("second Join returned a different connection")
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
	if first.State() != StateConnected {
		t.Errorf("State = %v, want CONNECTED", first.State())
	}
}

func TestJoin_OtherChannelMovesInPlace(t *testing.T) {
	t.Parallel()

	p := &mock.Platform{}
	mgr := newTestManager(t, p)
	ctx := context.Background()

	first, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	moved, err := mgr.Join(ctx, "42", "8")
	if err != nil {
		t.Fatalf("Join other channel: %v", err)
	}
	if moved != first {
		t.Error("move returned a different connection")
	}
	if got := moved.ChannelID(); got != "8" {
		t.Errorf("ChannelID = %q, want 8", got)
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
	link := p.Connections()[0]
	if len(link.MoveCalls) != 1 || link.MoveCalls[0] != "8" {
		t.Errorf("MoveCalls = %v, want [8]", link.MoveCalls)
	}
}

func TestJoin_MoveFailureKeepsConnection(t *testing.T) {
	t.Parallel()

	p := &mock.Platform{
		NewConnection: func(_, channelID string) *mock.Connection {
			return &mock.Connection{Channel: channelID, MoveError: errors.New("gateway closed")}
		},
	}
	mgr := newTestManager(t, p)
	ctx := context.Background()

	conn, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	_, err = mgr.Join(ctx, "42", "8")
	if got := joinReason(t, err); got != ReasonTransport {
		t.Errorf("Reason = %v, want transport", got)
	}

	got, ok := mgr.Get("42")
	if !ok || got != conn {
		t.Fatal("connection was removed after a failed move")
	}
	if conn.ChannelID() != "7" {
		t.Errorf("ChannelID = %q, want 7", conn.ChannelID())
	}
}

func TestJoin_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		platform *mock.Platform
		guild    string
		channel  string
		timeout  time.Duration
		ctx      func() (context.Context, context.CancelFunc)
		check    TargetCheck
		want     Reason
	}{
		{
			name:     "no guild",
			platform: &mock.Platform{},
			channel:  "7",
			want:     ReasonNoVoiceContext,
		},
		{
			name:     "no channel",
			platform: &mock.Platform{},
			guild:    "42",
			want:     ReasonNotVoiceChannel,
		},
		{
			name:     "target check rejects",
			platform: &mock.Platform{},
			guild:    "42",
			channel:  "text-1",
			check: func(context.Context, string, string) error {
				return errors.New("channel is a text channel")
			},
			want: ReasonNotVoiceChannel,
		},
		{
			name:     "target check reason preserved",
			platform: &mock.Platform{},
			guild:    "42",
			channel:  "7",
			check: func(_ context.Context, g, c string) error {
				return &JoinError{GuildID: g, ChannelID: c, Reason: ReasonNoVoiceContext}
			},
			want: ReasonNoVoiceContext,
		},
		{
			name:     "transport error",
			platform: &mock.Platform{ConnectError: errors.New("handshake refused")},
			guild:    "42",
			channel:  "7",
			want:     ReasonTransport,
		},
		{
			name:     "handshake timeout",
			platform: &mock.Platform{Block: make(chan struct{})},
			guild:    "42",
			channel:  "7",
			timeout:  20 * time.Millisecond,
			want:     ReasonTimeout,
		},
		{
			name:     "caller cancels",
			platform: &mock.Platform{Block: make(chan struct{})},
			guild:    "42",
			channel:  "7",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(20*time.Millisecond, cancel)
				return ctx, cancel
			},
			want: ReasonCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var opts []ManagerOption
			if tt.timeout > 0 {
				opts = append(opts, WithJoinTimeout(tt.timeout))
			}
			if tt.check != nil {
				opts = append(opts, WithTargetCheck(tt.check))
			}
			mgr := newTestManager(t, tt.platform, opts...)

			ctx, cancel := context.WithCancel(context.Background())
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			conn, err := mgr.Join(ctx, tt.guild, tt.channel)
			if err == nil {
				t.Fatal("Join: expected error")
			}
			if conn != nil {
				t.Error("Join returned a connection alongside an error")
			}
			if got := joinReason(t, err); got != tt.want {
				t.Errorf("Reason = %v, want %v", got, tt.want)
			}
			if mgr.Len() != 0 {
				t.Errorf("Len = %d, want 0 after failed join", mgr.Len())
			}
		})
	}
}

func TestJoin_ConcurrentSameGuild(t *testing.T) {
	t.Parallel()

	p := &mock.Platform{}
	mgr := newTestManager(t, p)

	const n = 16
	conns := make([]*Connection, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			c, err := mgr.Join(context.Background(), "42", "7")
			if err != nil {
				t.Errorf("Join[%d]: %v", i, err)
				return
			}
			conns[i] = c
		})
	}
	wg.Wait()

	for i, c := range conns {
		if c != conns[0] {
			t.Errorf("Join[%d] returned a different connection", i)
		}
	}
	if got := len(p.Calls()); got != 1 {
		t.Errorf("Connect calls = %d, want 1", got)
	}
}

func TestJoin_GuildsAreIndependent(t *testing.T) {
	t.Parallel()

	// Guild 1's handshake hangs; guild 2 must still connect.
	hang := make(chan struct{})
	defer close(hang)
	slow := &mock.Platform{Block: hang}
	p := &routingPlatform{byGuild: map[string]audio.Platform{"1": slow, "2": &mock.Platform{}}}
	mgr := newTestManager(t, p)

	go func() { _, _ = mgr.Join(context.Background(), "1", "10") }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := mgr.Join(ctx, "2", "20")
	if err != nil {
		t.Fatalf("Join guild 2 while guild 1 hangs: %v", err)
	}
	if conn.GuildID() != "2" {
		t.Errorf("GuildID = %q, want 2", conn.GuildID())
	}
}

// routingPlatform dispatches Connect to a per-guild platform.
type routingPlatform struct {
	byGuild map[string]audio.Platform
}

func (r *routingPlatform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	return r.byGuild[guildID].Connect(ctx, guildID, channelID)
}

// ─── Leave ────────────────────────────────────────────────────────────────────

func TestLeave_UnknownGuildIsNoop(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, &mock.Platform{})
	if err := mgr.Leave(context.Background(), "404"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := mgr.Leave(context.Background(), "404"); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
}

func TestLeave_TearsDownAndAllowsFreshJoin(t *testing.T) {
	t.Parallel()

	p, _ := blockingPlatform(t)
	m, reader := newTestMetrics(t)
	mgr := NewManager(p, WithMetrics(m))
	ctx := context.Background()

	conn, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	sess, err := conn.Play(loadTestClip(t).NewHandle())
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := gauge(t, reader, "bloombot.active_connections"); got != 1 {
		t.Errorf("active connections = %d, want 1", got)
	}
	if got := gauge(t, reader, "bloombot.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	if err := mgr.Leave(ctx, "42"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end on Leave")
	}
	if sess.State() != SessionStopped {
		t.Errorf("session State = %v, want STOPPED", sess.State())
	}
	if conn.State() != StateDisconnected {
		t.Errorf("connection State = %v, want DISCONNECTED", conn.State())
	}
	if _, ok := mgr.Get("42"); ok {
		t.Error("connection still in table after Leave")
	}
	if p.Connections()[0].Disconnects() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", p.Connections()[0].Disconnects())
	}
	if conn.Events().Len() != 0 {
		t.Errorf("observers after Leave = %d, want 0", conn.Events().Len())
	}
	if got := gauge(t, reader, "bloombot.active_connections"); got != 0 {
		t.Errorf("active connections = %d, want 0", got)
	}
	if got := gauge(t, reader, "bloombot.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}

	fresh, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	if fresh == conn {
		t.Error("re-Join reused a torn-down connection")
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("Connect calls = %d, want 2", n)
	}
	_ = mgr.Close(ctx)
}

func TestLeave_CancelsInFlightJoin(t *testing.T) {
	t.Parallel()

	hang := make(chan struct{})
	defer close(hang)
	p := &mock.Platform{Block: hang}
	mgr := newTestManager(t, p, WithJoinTimeout(time.Minute))

	joined := make(chan error, 1)
	go func() {
		_, err := mgr.Join(context.Background(), "42", "7")
		joined <- err
	}()

	deadline := time.Now().Add(time.Second)
	for len(p.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c, ok := mgr.Get("42"); !ok || c.State() != StateConnecting {
		t.Fatal("expected a connecting connection in the table")
	}

	if err := mgr.Leave(context.Background(), "42"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	select {
	case err := <-joined:
		if got := joinReason(t, err); got != ReasonCancelled {
			t.Errorf("Reason = %v, want cancelled", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Join was not cancelled by Leave")
	}
	if mgr.Len() != 0 {
		t.Errorf("Len = %d, want 0", mgr.Len())
	}
}

func TestLeave_CancelsJoinDuringTargetCheck(t *testing.T) {
	t.Parallel()

	checking := make(chan struct{})
	check := func(ctx context.Context, _, _ string) error {
		close(checking)
		<-ctx.Done()
		return ctx.Err()
	}
	p := &mock.Platform{}
	mgr := newTestManager(t, p, WithTargetCheck(check), WithJoinTimeout(time.Minute))

	joined := make(chan error, 1)
	go func() {
		_, err := mgr.Join(context.Background(), "42", "7")
		joined <- err
	}()

	select {
	case <-checking:
	case <-time.After(time.Second):
		t.Fatal("target check never ran")
	}

	if err := mgr.Leave(context.Background(), "42"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	select {
	case err := <-joined:
		if err == nil {
			t.Fatal("Join succeeded after Leave")
		}
		if got := joinReason(t, err); got != ReasonCancelled {
			t.Errorf("Reason = %v, want cancelled", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Join was not cancelled by Leave")
	}
	if mgr.Len() != 0 {
		t.Errorf("Len = %d, want 0", mgr.Len())
	}
	if n := len(p.Calls()); n != 0 {
		t.Errorf("Connect calls = %d, want 0", n)
	}
}

func TestJoin_TargetCheckSkippedOnReuse(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	checks := 0
	check := func(context.Context, string, string) error {
		mu.Lock()
		checks++
		mu.Unlock()
		return nil
	}
	p, _ := blockingPlatform(t)
	mgr := newTestManager(t, p, WithTargetCheck(check))

	ctx := context.Background()
	for _, ch := range []string{"7", "7", "8"} {
		if _, err := mgr.Join(ctx, "42", ch); err != nil {
			t.Fatalf("Join(%s): %v", ch, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if checks != 2 {
		t.Errorf("target checks = %d, want 2 (connect and move only)", checks)
	}
}

func TestLeave_DisconnectErrorIsReported(t *testing.T) {
	t.Parallel()

	p := &mock.Platform{
		NewConnection: func(_, channelID string) *mock.Connection {
			return &mock.Connection{Channel: channelID, DisconnectError: errors.New("already gone")}
		},
	}
	mgr := newTestManager(t, p)

	if _, err := mgr.Join(context.Background(), "42", "7"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := mgr.Leave(context.Background(), "42"); err == nil {
		t.Error("Leave: expected disconnect error")
	}
	if mgr.Len() != 0 {
		t.Error("connection kept after failed disconnect")
	}
}

func TestClose_LeavesAllAndRejectsJoins(t *testing.T) {
	t.Parallel()

	p := &mock.Platform{}
	mgr := NewManager(p)
	ctx := context.Background()

	for _, g := range []string{"1", "2", "3"} {
		if _, err := mgr.Join(ctx, g, "7"); err != nil {
			t.Fatalf("Join %s: %v", g, err)
		}
	}
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mgr.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", mgr.Len())
	}
	for i, c := range p.Connections() {
		if c.Disconnects() != 1 {
			t.Errorf("connection %d disconnects = %d, want 1", i, c.Disconnects())
		}
	}

	_, err := mgr.Join(ctx, "1", "7")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Join after Close = %v, want ErrClosed", err)
	}
}

// ─── Observers & scenario ────────────────────────────────────────────────────

// recorder is an events.Observer that signals every delivery.
type recorder struct {
	mu  sync.Mutex
	got []events.TrackError
	ch  chan events.TrackError
}

func newRecorder() *recorder { return &recorder{ch: make(chan events.TrackError, 16)} }

func (r *recorder) OnTrackError(ev events.TrackError) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) wait(t *testing.T) events.TrackError {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for track error")
		return events.TrackError{}
	}
}

// flush waits until every event published on bus so far has been delivered.
func flush(t *testing.T, bus *events.Bus) {
	t.Helper()
	done := make(chan struct{})
	bus.Defer(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event bus did not drain")
	}
}

func TestScenario_JoinPlayErrorLeave(t *testing.T) {
	t.Parallel()

	c := loadTestClip(t)
	if c.Duration() != 2*time.Second {
		t.Fatalf("clip duration = %v, want 2s", c.Duration())
	}

	p, _ := blockingPlatform(t)
	global := newRecorder()
	mgr := newTestManager(t, p, WithObservers(global))
	ctx := context.Background()

	conn, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if conn.GuildID() != "42" || conn.ChannelID() != "7" || conn.State() != StateConnected {
		t.Fatalf("connection = {%s %s %v}, want {42 7 CONNECTED}", conn.GuildID(), conn.ChannelID(), conn.State())
	}

	obs := newRecorder()
	sess, err := conn.Play(c.NewHandle(), obs)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if active, ok := conn.Session(); !ok || active != sess {
		t.Fatal("expected exactly one active session")
	}

	ev := events.TrackError{TrackID: sess.TrackID(), GuildID: "42", Err: errors.New("injected")}
	conn.Events().Publish(ev)

	got := obs.wait(t)
	if got.TrackID != sess.TrackID() {
		t.Errorf("observer TrackID = %q, want %q", got.TrackID, sess.TrackID())
	}
	flush(t, conn.Events())
	if obs.count() != 1 {
		t.Errorf("observer invocations = %d, want 1", obs.count())
	}
	if global.count() != 1 {
		t.Errorf("global observer invocations = %d, want 1", global.count())
	}
	if sess.State() != SessionPlaying {
		t.Errorf("injected error changed session state to %v", sess.State())
	}

	if err := mgr.Leave(ctx, "42"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, ok := mgr.Get("42"); ok {
		t.Error("connection still present after Leave")
	}
	if _, ok := conn.Session(); ok {
		t.Error("session still attached after Leave")
	}

	fresh, err := mgr.Join(ctx, "42", "7")
	if err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	if fresh == conn {
		t.Error("re-Join returned the old connection")
	}
}

func TestObservers_IsolatedAcrossGuilds(t *testing.T) {
	t.Parallel()

	p, _ := blockingPlatform(t)
	mgr := newTestManager(t, p)
	ctx := context.Background()
	c := loadTestClip(t)

	connA, err := mgr.Join(ctx, "1", "10")
	if err != nil {
		t.Fatalf("Join 1: %v", err)
	}
	connB, err := mgr.Join(ctx, "2", "20")
	if err != nil {
		t.Fatalf("Join 2: %v", err)
	}

	obsA, obsB := newRecorder(), newRecorder()
	sessA, err := connA.Play(c.NewHandle(), obsA)
	if err != nil {
		t.Fatalf("Play A: %v", err)
	}
	if _, err := connB.Play(c.NewHandle(), obsB); err != nil {
		t.Fatalf("Play B: %v", err)
	}

	connA.Events().Publish(events.TrackError{TrackID: sessA.TrackID(), GuildID: "1"})
	obsA.wait(t)
	flush(t, connA.Events())
	flush(t, connB.Events())

	if obsB.count() != 0 {
		t.Errorf("guild 2 observer invoked %d times for guild 1's track", obsB.count())
	}
}
