// Package session implements the sharer's session controller: it reacts to
// start/stop commands and signaling events, and owns the signaling
// connection, the capture stream and the Peer Session.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/1ureka/screencast/internal/capture"
	"github.com/1ureka/screencast/internal/negotiation"
	"github.com/1ureka/screencast/internal/protocol"
	"github.com/1ureka/screencast/internal/signaling"
	"github.com/1ureka/screencast/internal/util"
)

// Channel is the signaling channel the controller drives. *signaling.Channel
// implements it.
type Channel interface {
	Send(env protocol.Envelope) error
	Listen(onMessage func(protocol.Envelope), onClose func(error))
	Close() error
}

// Dialer opens the signaling channel.
type Dialer func(ctx context.Context) (Channel, error)

// ConnectionFactory creates the local connection object of a new Peer
// Session.
type ConnectionFactory func() (negotiation.Connection, error)

// Display is the local preview sink.
type Display interface {
	Show(stream *capture.Stream)
	Clear()
}

// Options configures a Controller.
type Options struct {
	Source        capture.Source
	Dial          Dialer
	NewConnection ConnectionFactory
	Constraints   capture.Constraints // zero value requests video only
	Display       Display             // optional
	Logger        util.Logger
}

// Snapshot is the state exposed to the presentation layer.
type Snapshot struct {
	Session negotiation.State
	Channel signaling.State
}

// CanStart reports whether a start command would take effect.
func (s Snapshot) CanStart() bool {
	if s.Channel == signaling.StateClosed {
		return false
	}
	return s.Session == negotiation.StateIdle || s.Session == negotiation.StateStopped
}

// CanStop reports whether a stop command would take effect.
func (s Snapshot) CanStop() bool {
	return s.Session != negotiation.StateIdle && s.Session != negotiation.StateStopped
}

// sessionContext holds everything the controller owns. Only the event loop
// touches it.
type sessionContext struct {
	channel Channel
	chState signaling.State
	peer    *peerSession
}

// peerSession is one start..stop cycle.
type peerSession struct {
	engine       *negotiation.Engine
	stream       *capture.Stream
	pendingStart bool // "start" waits for the channel to open
}

// Controller is the top-level session state machine.
//
// All state lives on the goroutine running Run. Start, Stop and
// HandleEnvelope hand their work to that goroutine and return once it has
// been carried out; they must not be called from an OnStateChange callback.
type Controller struct {
	source      capture.Source
	dial        Dialer
	newConn     ConnectionFactory
	constraints capture.Constraints
	display     Display
	log         util.Logger

	events  chan func()
	stopped chan struct{} // closed when Run returns
	running atomic.Bool

	sc sessionContext

	mu        sync.Mutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// NewController creates a Controller. Nothing happens until Run is called.
func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = util.Console
	}
	constraints := opts.Constraints
	if !constraints.Video && !constraints.Audio {
		constraints.Video = true
	}

	return &Controller{
		source:      opts.Source,
		dial:        opts.Dial,
		newConn:     opts.NewConnection,
		constraints: constraints,
		display:     opts.Display,
		log:         log,
		events:      make(chan func(), 64),
		stopped:     make(chan struct{}),
		sc:          sessionContext{chState: signaling.StateConnecting},
		snap:        Snapshot{Session: negotiation.StateIdle, Channel: signaling.StateConnecting},
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// Run dials the signaling channel and processes events until ctx is done. On
// return an active session has been stopped and the channel closed. Only the
// first call runs the loop.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running")
	}
	defer close(c.stopped)

	go c.connect(ctx)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

// post queues fn for the loop without waiting for it to run. It reports
// false if the loop has exited.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it to complete.
func (c *Controller) do(fn func()) {
	done := make(chan struct{})
	if !c.post(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	select {
	case <-done:
	case <-c.stopped:
	}
}

func (c *Controller) shutdown() {
	if p := c.sc.peer; p != nil && c.active(p) {
		c.stop()
	}
	if c.sc.channel != nil {
		c.sc.channel.Close()
	}
	c.sc.chState = signaling.StateClosed
	c.publish()
}

// ---------------------------------------------------------------------------
// Signaling channel
// ---------------------------------------------------------------------------

func (c *Controller) connect(ctx context.Context) {
	ch, err := c.dial(ctx)
	if !c.post(func() { c.channelDialed(ch, err) }) && ch != nil {
		ch.Close()
	}
}

func (c *Controller) channelDialed(ch Channel, err error) {
	if err != nil {
		c.sc.chState = signaling.StateClosed
		c.log.Errorf("%v", err)
		c.publish()
		return
	}

	c.sc.channel = ch
	c.sc.chState = signaling.StateOpen
	ch.Listen(
		func(env protocol.Envelope) { c.do(func() { c.handleEnvelope(env) }) },
		func(err error) { c.post(func() { c.channelClosed(err) }) },
	)
	c.log.Infof("signaling channel open")
	c.publish()

	if p := c.sc.peer; p != nil {
		if p.pendingStart {
			p.pendingStart = false
			c.sendStart()
		}
		p.engine.RequestOffer(true)
	}
}

func (c *Controller) channelClosed(err error) {
	c.sc.chState = signaling.StateClosed
	if err != nil {
		c.log.Errorf("%v", err)
	} else {
		c.log.Debugf("signaling channel closed")
	}
	c.publish()
}

// send is the negotiation Sender.
func (c *Controller) send(env protocol.Envelope) error {
	if c.sc.channel == nil || c.sc.chState != signaling.StateOpen {
		return fmt.Errorf("%w: cannot send %q: channel is %s", signaling.ErrTransport, env.Name, c.sc.chState)
	}
	return c.sc.channel.Send(env)
}

func (c *Controller) sendStart() {
	if err := c.send(protocol.Command(protocol.NameStart)); err != nil {
		c.log.Errorf("failed to announce session start: %v", err)
		return
	}
	c.log.Debugf("session start announced")
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Start begins a new session from Idle or Stopped: it requests the capture
// stream and, once granted, announces the session and negotiates it.
func (c *Controller) Start() {
	c.do(c.start)
}

// Stop ends the current session. Local tracks are stopped before Stop
// returns, whatever negotiation step is in flight.
func (c *Controller) Stop() {
	c.do(c.stop)
}

// HandleEnvelope routes an inbound envelope. Only answers are acted on.
func (c *Controller) HandleEnvelope(env protocol.Envelope) {
	c.do(func() { c.handleEnvelope(env) })
}

func (c *Controller) active(p *peerSession) bool {
	st := p.engine.State()
	return st != negotiation.StateIdle && st != negotiation.StateStopped
}

func (c *Controller) start() {
	if c.sc.chState == signaling.StateClosed {
		c.log.Errorf("%v", fmt.Errorf("%w: cannot start: signaling channel is closed", signaling.ErrTransport))
		return
	}
	if p := c.sc.peer; p != nil && c.active(p) {
		c.log.Warnf("start ignored: session is %s", p.engine.State())
		return
	}

	conn, err := c.newConn()
	if err != nil {
		c.log.Errorf("failed to create peer connection: %v", err)
		return
	}

	engine := negotiation.NewEngine(conn, c.send, func(fn func()) { c.post(fn) }, c.log)
	engine.OnStateChange(func(negotiation.State) { c.publish() })
	p := &peerSession{engine: engine}
	c.sc.peer = p

	if err := engine.Begin(); err != nil {
		c.log.Errorf("%v", err)
		return
	}
	c.log.Debugf("requesting screen capture")

	ctx := engine.Context()
	constraints := c.constraints
	go func() {
		stream, err := c.source.RequestDisplayStream(ctx, constraints)
		if !c.post(func() { c.captureDone(p, stream, err) }) && stream != nil {
			stream.Stop()
		}
	}()
}

func (c *Controller) captureDone(p *peerSession, stream *capture.Stream, err error) {
	if c.sc.peer != p || p.engine.State() != negotiation.StateCapturePending {
		if stream != nil {
			stream.Stop()
			c.log.Debugf("released capture stream granted after stop")
		}
		return
	}
	if err != nil {
		p.engine.CaptureFailed()
		c.log.Errorf("%v", err)
		return
	}
	if err := p.engine.Attach(stream.LocalTracks()); err != nil {
		stream.Stop()
		p.engine.CaptureFailed()
		c.log.Errorf("%v", err)
		return
	}

	p.stream = stream
	if c.display != nil {
		c.display.Show(stream)
	}
	c.log.Infof("screen capture started (%d tracks)", len(stream.Tracks()))

	if c.sc.chState == signaling.StateConnecting {
		p.pendingStart = true
		c.log.Debugf("signaling channel still connecting, start deferred")
	} else {
		c.sendStart()
	}
	p.engine.RequestOffer(c.sc.chState == signaling.StateOpen)
	c.publish()
}

func (c *Controller) stop() {
	p := c.sc.peer
	if p == nil || p.engine.State() == negotiation.StateIdle {
		c.log.Warnf("stop ignored: no session in progress")
		return
	}
	if p.engine.State() == negotiation.StateStopped {
		c.log.Warnf("stop ignored: session already stopped")
		return
	}

	if p.stream != nil {
		p.stream.Stop()
		p.stream = nil
	}
	if c.display != nil {
		c.display.Clear()
	}
	p.pendingStart = false

	if err := c.send(protocol.Command(protocol.NameStop)); err != nil {
		c.log.Errorf("failed to announce session stop: %v", err)
	}

	p.engine.Stop()
	c.log.Infof("screen sharing stopped")
}

func (c *Controller) handleEnvelope(env protocol.Envelope) {
	switch env.Name {
	case protocol.NameAnswer:
		p := c.sc.peer
		if p == nil {
			c.log.Errorf("%v", fmt.Errorf("%w: answer received with no session, discarded", negotiation.ErrNegotiation))
			return
		}
		p.engine.HandleAnswer(env.Data)
	default:
		if env.Name.Known() {
			c.log.Debugf("ignoring %q from remote peer", env.Name)
		} else {
			c.log.Debugf("ignoring unrecognized envelope %q", env.Name)
		}
	}
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State returns the current Peer Session state.
func (c *Controller) State() negotiation.State {
	return c.Snapshot().Session
}

// Snapshot returns the current session and channel state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// OnStateChange registers fn to be called, on the event loop, whenever the
// snapshot changes.
func (c *Controller) OnStateChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) publish() {
	snap := Snapshot{Session: negotiation.StateIdle, Channel: c.sc.chState}
	if p := c.sc.peer; p != nil {
		snap.Session = p.engine.State()
	}

	c.mu.Lock()
	changed := snap != c.snap
	c.snap = snap
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(snap)
		}
	}
}
