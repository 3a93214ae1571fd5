package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/capture"
	"github.com/1ureka/screencast/internal/negotiation"
	"github.com/1ureka/screencast/internal/protocol"
	"github.com/1ureka/screencast/internal/signaling"
	"github.com/1ureka/screencast/internal/util"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// Compile-time interface checks.
var (
	_ Channel                = (*signaling.Channel)(nil)
	_ Channel                = (*fakeChannel)(nil)
	_ capture.Source         = (*fakeSource)(nil)
	_ negotiation.Connection = (*fakeConn)(nil)
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeChannel struct {
	mu        sync.Mutex
	sent      []protocol.Envelope
	closed    bool
	onMessage func(protocol.Envelope)
	onClose   func(error)
}

func (f *fakeChannel) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%w: channel is closed", signaling.ErrTransport)
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) Listen(onMessage func(protocol.Envelope), onClose func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = onMessage
	f.onClose = onClose
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// deliver hands env to the controller as the read loop would.
func (f *fakeChannel) deliver(env protocol.Envelope) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	fn(env)
}

// drop simulates the remote closing the channel.
func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.closed = true
	fn := f.onClose
	f.mu.Unlock()
	fn(fmt.Errorf("%w: signaling channel closed by remote", signaling.ErrTransport))
}

func (f *fakeChannel) names() []protocol.Name {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Name, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Name
	}
	return out
}

func (f *fakeChannel) count(name protocol.Name) int {
	n := 0
	for _, got := range f.names() {
		if got == name {
			n++
		}
	}
	return n
}

// fakeSource grants a one-track stream. When gate is non-nil the request
// completes only once gate is closed, regardless of ctx.
type fakeSource struct {
	gate  chan struct{}
	err   error
	calls atomic.Int32

	mu      sync.Mutex
	streams []*capture.Stream
}

func (s *fakeSource) RequestDisplayStream(_ context.Context, _ capture.Constraints) (*capture.Stream, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
	if err != nil {
		return nil, err
	}
	stream := capture.NewStream(capture.NewTrack(local))

	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

func (s *fakeSource) last() *capture.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

type fakeConn struct {
	mu     sync.Mutex
	tracks int
	remote int
	closed bool
}

func (c *fakeConn) AddTrack(webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks++
	return nil
}

func (c *fakeConn) CreateOffer(ctx context.Context, _ negotiation.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, ctx.Err()
}

func (c *fakeConn) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return desc, ctx.Err()
}

func (c *fakeConn) SetRemoteDescription(ctx context.Context, _ webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) remoteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

type fakeDisplay struct {
	shown   atomic.Int32
	cleared atomic.Int32
}

func (d *fakeDisplay) Show(*capture.Stream) { d.shown.Add(1) }
func (d *fakeDisplay) Clear()               { d.cleared.Add(1) }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	ctrl    *Controller
	channel *fakeChannel
	source  *fakeSource
	display *fakeDisplay
	log     *util.LogBuffer

	dialGate chan struct{} // nil dials immediately
	dialErr  error

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	conns []*fakeConn
}

type option func(*fixture)

func withDialGate() option {
	return func(f *fixture) { f.dialGate = make(chan struct{}) }
}

func withDialError(err error) option {
	return func(f *fixture) { f.dialErr = err }
}

func withCaptureGate() option {
	return func(f *fixture) { f.source.gate = make(chan struct{}) }
}

func withCaptureError(err error) option {
	return func(f *fixture) { f.source.err = err }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	f := &fixture{
		channel: &fakeChannel{},
		source:  &fakeSource{},
		display: &fakeDisplay{},
		log:     util.NewLogBuffer(nil, 0),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.ctrl = NewController(Options{
		Source: f.source,
		Dial: func(ctx context.Context) (Channel, error) {
			if f.dialGate != nil {
				select {
				case <-f.dialGate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if f.dialErr != nil {
				return nil, f.dialErr
			}
			return f.channel, nil
		},
		NewConnection: func() (negotiation.Connection, error) {
			conn := &fakeConn{}
			f.mu.Lock()
			f.conns = append(f.conns, conn)
			f.mu.Unlock()
			return conn, nil
		},
		Display: f.display,
		Logger:  f.log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.ctrl.Run(ctx)
	}()
	t.Cleanup(f.shutdown)
	return f
}

// shutdown cancels Run and waits for it to return.
func (f *fixture) shutdown() {
	f.cancel()
	<-f.done
}

func (f *fixture) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) waitState(t *testing.T, want negotiation.State) {
	t.Helper()
	waitFor(t, "session "+want.String(), func() bool { return f.ctrl.State() == want })
}

func (f *fixture) waitChannel(t *testing.T, want signaling.State) {
	t.Helper()
	waitFor(t, "channel "+want.String(), func() bool { return f.ctrl.Snapshot().Channel == want })
}

// awaitingAnswer starts a session on an open channel.
func (f *fixture) awaitingAnswer(t *testing.T) {
	t.Helper()
	f.waitChannel(t, signaling.StateOpen)
	f.ctrl.Start()
	f.waitState(t, negotiation.StateAwaitingAnswer)
}

func answer(t *testing.T) protocol.Envelope {
	t.Helper()
	data, err := negotiation.EncodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP})
	if err != nil {
		t.Fatalf("EncodeDescription failed: %v", err)
	}
	return protocol.Envelope{Name: protocol.NameAnswer, Data: data}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSnapshotAffordances(t *testing.T) {
	testCases := []struct {
		session   negotiation.State
		channel   signaling.State
		wantStart bool
		wantStop  bool
	}{
		{negotiation.StateIdle, signaling.StateConnecting, true, false},
		{negotiation.StateIdle, signaling.StateOpen, true, false},
		{negotiation.StateIdle, signaling.StateClosed, false, false},
		{negotiation.StateCapturePending, signaling.StateOpen, false, true},
		{negotiation.StateAwaitingAnswer, signaling.StateOpen, false, true},
		{negotiation.StateConnected, signaling.StateClosed, false, true},
		{negotiation.StateStopped, signaling.StateOpen, true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.session.String()+"/"+tc.channel.String(), func(t *testing.T) {
			s := Snapshot{Session: tc.session, Channel: tc.channel}
			if got := s.CanStart(); got != tc.wantStart {
				t.Errorf("CanStart = %v, want %v", got, tc.wantStart)
			}
			if got := s.CanStop(); got != tc.wantStop {
				t.Errorf("CanStop = %v, want %v", got, tc.wantStop)
			}
		})
	}
}

// TestSingleOffer checks that exactly one offer is sent whichever of capture
// completion and channel open happens first.
func TestSingleOffer(t *testing.T) {
	testCases := []struct {
		name    string
		release func(f *fixture)
		opts    []option
	}{
		{
			name:    "capture first",
			opts:    []option{withDialGate()},
			release: func(f *fixture) { close(f.dialGate) },
		},
		{
			name:    "channel first",
			opts:    []option{withCaptureGate()},
			release: func(f *fixture) { close(f.source.gate) },
		},
		{
			name: "concurrent",
			opts: []option{withDialGate(), withCaptureGate()},
			release: func(f *fixture) {
				go close(f.dialGate)
				go close(f.source.gate)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.opts...)

			f.ctrl.Start()
			if tc.name == "capture first" {
				waitFor(t, "capture", func() bool { return f.source.last() != nil })
			}
			if tc.name == "channel first" {
				f.waitChannel(t, signaling.StateOpen)
			}
			tc.release(f)

			f.waitState(t, negotiation.StateAwaitingAnswer)
			time.Sleep(50 * time.Millisecond)

			names := f.channel.names()
			if len(names) != 2 || names[0] != protocol.NameStart || names[1] != protocol.NameOffer {
				t.Errorf("sent %v, want [start offer]", names)
			}
			if got := f.source.calls.Load(); got != 1 {
				t.Errorf("capture requests = %d, want 1", got)
			}
			if f.display.shown.Load() != 1 {
				t.Error("stream not shown on the display")
			}
		})
	}
}

// TestAnswerConnects checks that a second answer is discarded once connected.
func TestAnswerConnects(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)

	f.channel.deliver(answer(t))
	f.waitState(t, negotiation.StateConnected)

	f.channel.deliver(answer(t))
	if got := f.ctrl.State(); got != negotiation.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if got := f.conn(0).remoteCount(); got != 1 {
		t.Errorf("remote descriptions applied = %d, want 1", got)
	}
	if got := f.log.Count(util.LevelError); got != 1 {
		t.Errorf("error logs = %d, want 1", got)
	}
}

func TestMalformedAnswerKeepsAwaiting(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)

	f.channel.deliver(protocol.Envelope{Name: protocol.NameAnswer, Data: "not a description"})
	if got := f.ctrl.State(); got != negotiation.StateAwaitingAnswer {
		t.Errorf("state = %s, want awaiting-answer", got)
	}
	if got := f.log.Count(util.LevelError); got != 1 {
		t.Errorf("error logs = %d, want 1", got)
	}
}

// TestCaptureFailure checks that a failed capture leaves the session idle
// with nothing sent and one log line.
func TestCaptureFailure(t *testing.T) {
	f := newFixture(t, withCaptureError(capture.ErrPermissionDenied))
	f.waitChannel(t, signaling.StateOpen)
	before := f.log.Count(util.LevelInfo)

	f.ctrl.Start()
	waitFor(t, "capture failure log", func() bool { return f.log.Count(util.LevelError) == 1 })

	if got := f.ctrl.State(); got != negotiation.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if names := f.channel.names(); len(names) != 0 {
		t.Errorf("sent %v, want nothing", names)
	}
	if got := f.log.Count(util.LevelInfo) - before; got != 1 {
		t.Errorf("log lines = %d, want 1", got)
	}
	if !f.ctrl.Snapshot().CanStart() {
		t.Error("start should be available again")
	}
	if !f.conn(0).isClosed() {
		t.Error("connection not released")
	}
}

// TestStopDuringNegotiation checks stop while awaiting the answer.
func TestStopDuringNegotiation(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)
	stream := f.source.last()

	f.ctrl.Stop()
	if stream.Active() {
		t.Error("tracks still active after Stop returned")
	}
	if got := f.ctrl.State(); got != negotiation.StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	names := f.channel.names()
	if names[len(names)-1] != protocol.NameStop {
		t.Errorf("sent %v, want stop last", names)
	}
	if f.display.cleared.Load() != 1 {
		t.Error("display not cleared")
	}

	f.channel.deliver(answer(t))
	if got := f.ctrl.State(); got != negotiation.StateStopped {
		t.Errorf("state after late answer = %s, want stopped", got)
	}
	if got := f.conn(0).remoteCount(); got != 0 {
		t.Errorf("remote descriptions applied = %d, want 0", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)

	f.ctrl.Stop()
	f.ctrl.Stop()

	if got := f.ctrl.State(); got != negotiation.StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	if got := f.channel.count(protocol.NameStop); got != 1 {
		t.Errorf("stop envelopes = %d, want 1", got)
	}
	if got := f.log.Count(util.LevelError); got != 0 {
		t.Errorf("error logs = %d, want 0", got)
	}
}

func TestStopWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.waitChannel(t, signaling.StateOpen)

	f.ctrl.Stop()
	if got := f.ctrl.State(); got != negotiation.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if names := f.channel.names(); len(names) != 0 {
		t.Errorf("sent %v, want nothing", names)
	}
	if got := f.log.Count(util.LevelWarn); got != 1 {
		t.Errorf("notices = %d, want 1", got)
	}
}

// TestCaptureGrantedAfterStop checks that a stream granted after stop is
// released and nothing is negotiated.
func TestCaptureGrantedAfterStop(t *testing.T) {
	f := newFixture(t, withCaptureGate())
	f.waitChannel(t, signaling.StateOpen)

	f.ctrl.Start()
	f.waitState(t, negotiation.StateCapturePending)
	f.ctrl.Stop()
	close(f.source.gate)

	waitFor(t, "late stream", func() bool { return f.source.last() != nil })
	waitFor(t, "late stream released", func() bool { return !f.source.last().Active() })

	if got := f.ctrl.State(); got != negotiation.StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	if f.channel.count(protocol.NameStart) != 0 || f.channel.count(protocol.NameOffer) != 0 {
		t.Errorf("sent %v after stop", f.channel.names())
	}
}

func TestStartIgnoredWhileActive(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)

	f.ctrl.Start()
	if got := f.source.calls.Load(); got != 1 {
		t.Errorf("capture requests = %d, want 1", got)
	}
	if got := f.log.Count(util.LevelWarn); got != 1 {
		t.Errorf("notices = %d, want 1", got)
	}
}

func TestStartRefusedWhenChannelClosed(t *testing.T) {
	f := newFixture(t, withDialError(fmt.Errorf("%w: connection refused", signaling.ErrTransport)))
	f.waitChannel(t, signaling.StateClosed)
	before := f.log.Count(util.LevelError)

	f.ctrl.Start()
	if got := f.ctrl.State(); got != negotiation.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if got := f.source.calls.Load(); got != 0 {
		t.Errorf("capture requests = %d, want 0", got)
	}
	if got := f.log.Count(util.LevelError) - before; got != 1 {
		t.Errorf("error logs = %d, want 1", got)
	}
}

func TestChannelDropDuringSession(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)

	f.channel.drop()
	f.waitChannel(t, signaling.StateClosed)
	if f.ctrl.Snapshot().CanStart() {
		t.Error("start should be unavailable on a closed channel")
	}

	f.ctrl.Stop()
	if got := f.ctrl.State(); got != negotiation.StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	if f.source.last().Active() {
		t.Error("tracks still active")
	}
}

func TestRestartAfterStop(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)
	f.channel.deliver(answer(t))
	f.waitState(t, negotiation.StateConnected)
	f.ctrl.Stop()

	f.ctrl.Start()
	f.waitState(t, negotiation.StateAwaitingAnswer)

	if got := f.channel.count(protocol.NameOffer); got != 2 {
		t.Errorf("offers = %d, want one per session", got)
	}
	if got := f.source.calls.Load(); got != 2 {
		t.Errorf("capture requests = %d, want 2", got)
	}
	if !f.conn(0).isClosed() {
		t.Error("first connection not closed")
	}
}

// TestUnrecognizedEnvelopes checks that unknown and irrelevant names leave the
// session alone.
func TestUnrecognizedEnvelopes(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)

	for _, env := range []protocol.Envelope{
		{Name: "renegotiate", Data: "x"},
		{Name: protocol.NameOffer, Data: "{}"},
		{Name: protocol.NameStart},
		{Name: protocol.NameStop},
	} {
		f.ctrl.HandleEnvelope(env)
		if got := f.ctrl.State(); got != negotiation.StateAwaitingAnswer {
			t.Fatalf("state after %q = %s, want awaiting-answer", env.Name, got)
		}
	}
	if got := f.log.Count(util.LevelWarn); got != 0 {
		t.Errorf("warnings+errors = %d, want 0", got)
	}

	var unrecognized, ignored int
	for _, e := range f.log.Entries() {
		switch {
		case strings.Contains(e.Message, "unrecognized envelope"):
			unrecognized++
		case strings.Contains(e.Message, "from remote peer"):
			ignored++
		}
	}
	if unrecognized != 1 || ignored != 3 {
		t.Errorf("unrecognized/ignored = %d/%d, want 1/3", unrecognized, ignored)
	}
}

func TestStateChangeNotifications(t *testing.T) {
	f := newFixture(t)
	f.waitChannel(t, signaling.StateOpen)

	var mu sync.Mutex
	var seen []negotiation.State
	f.ctrl.OnStateChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Session)
	})

	f.ctrl.Start()
	f.waitState(t, negotiation.StateAwaitingAnswer)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != negotiation.StateCapturePending {
		t.Errorf("notifications = %v", seen)
	}
}

// TestRunTwice checks that a second Run fails at once and leaves the running
// loop in charge.
func TestRunTwice(t *testing.T) {
	f := newFixture(t)
	f.waitChannel(t, signaling.StateOpen)

	errc := make(chan error, 1)
	go func() { errc <- f.ctrl.Run(context.Background()) }()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("second Run should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Run blocked while the first loop is running")
	}

	f.ctrl.Start()
	f.waitState(t, negotiation.StateAwaitingAnswer)
}

func TestShutdownStopsSession(t *testing.T) {
	f := newFixture(t)
	f.awaitingAnswer(t)
	stream := f.source.last()

	f.shutdown()

	if stream.Active() {
		t.Error("tracks active after shutdown")
	}
	if got := f.channel.count(protocol.NameStop); got != 1 {
		t.Errorf("stop envelopes = %d, want 1", got)
	}
	f.channel.mu.Lock()
	defer f.channel.mu.Unlock()
	if !f.channel.closed {
		t.Error("channel not closed")
	}
}
