package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/protocol"
	"github.com/1ureka/screencast/internal/util"
)

// Engine is the state machine of one Peer Session.
//
//	Idle → CapturePending → LocalDescriptionSet → AwaitingAnswer → Connected
//	any → Stopped (terminal)
//
// At most one offer is generated per Engine: RequestOffer may be called from
// every event that could start negotiation, only the first one that finds the
// session ready takes effect.
type Engine struct {
	conn Connection
	send Sender
	post Scheduler
	log  util.Logger
	opts OfferOptions

	// ctx is cancelled by Stop; in-flight steps observe it.
	ctx    context.Context
	cancel context.CancelFunc

	state    State
	attached bool
	offered  bool
	applying bool
	onChange func(State)
}

// NewEngine creates an Idle engine negotiating on conn.
func NewEngine(conn Connection, send Sender, post Scheduler, log util.Logger) *Engine {
	if log == nil {
		log = util.Console
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conn:   conn,
		send:   send,
		post:   post,
		log:    log,
		opts:   DefaultOfferOptions,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// OnStateChange registers fn to be called after every transition.
func (e *Engine) OnStateChange(fn func(State)) {
	e.onChange = fn
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Context returns the session context, cancelled by Stop.
func (e *Engine) Context() context.Context {
	return e.ctx
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.log.Debugf("peer session %s → %s", e.state, s)
	e.state = s
	if e.onChange != nil {
		e.onChange(s)
	}
}

// Begin moves an Idle session to CapturePending.
func (e *Engine) Begin() error {
	if e.state != StateIdle {
		return fmt.Errorf("%w: cannot begin a session in state %s", ErrNegotiation, e.state)
	}
	e.setState(StateCapturePending)
	return nil
}

// CaptureFailed returns a CapturePending session to Idle and releases the
// connection object. Nothing has been sent for the session at that point.
func (e *Engine) CaptureFailed() {
	if e.state != StateCapturePending {
		return
	}
	e.cancel()
	if err := e.conn.Close(); err != nil {
		e.log.Debugf("closing connection after capture failure: %v", err)
	}
	e.setState(StateIdle)
}

// Attach adds the captured tracks to the connection object. It is accepted
// once, while CapturePending.
func (e *Engine) Attach(tracks []webrtc.TrackLocal) error {
	if e.state != StateCapturePending || e.attached {
		return fmt.Errorf("%w: cannot attach tracks in state %s", ErrNegotiation, e.state)
	}
	for _, track := range tracks {
		if err := e.conn.AddTrack(track); err != nil {
			return fmt.Errorf("%w: failed to attach track %s: %w", ErrNegotiation, track.ID(), err)
		}
	}
	e.attached = true
	return nil
}

// Attached reports whether the captured tracks were attached.
func (e *Engine) Attached() bool {
	return e.attached
}

// Offered reports whether offer generation has been started.
func (e *Engine) Offered() bool {
	return e.offered
}

// RequestOffer starts offer generation if the session is CapturePending with
// tracks attached and the channel is open. It reports whether generation was
// started by this call; it is started at most once per Engine.
func (e *Engine) RequestOffer(channelOpen bool) bool {
	if e.offered || e.state != StateCapturePending || !e.attached || !channelOpen {
		return false
	}
	e.offered = true

	ctx := e.ctx
	go func() {
		desc, err := e.generateOffer(ctx)
		e.post(func() { e.offerGenerated(desc, err) })
	}()
	return true
}

// generateOffer runs off the event loop. It only touches immutable fields.
func (e *Engine) generateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := e.conn.CreateOffer(ctx, e.opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	local, err := e.conn.SetLocalDescription(ctx, offer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return local, nil
}

func (e *Engine) offerGenerated(desc webrtc.SessionDescription, err error) {
	if e.state == StateStopped {
		e.log.Debugf("discarding offer completed after stop")
		return
	}
	if err != nil {
		e.log.Errorf("%v", fmt.Errorf("%w: %w", ErrNegotiation, err))
		return
	}
	e.setState(StateLocalDescriptionSet)

	data, err := EncodeDescription(desc)
	if err != nil {
		e.log.Errorf("%v", fmt.Errorf("%w: failed to encode offer: %w", ErrNegotiation, err))
		return
	}
	if err := e.send(protocol.Envelope{Name: protocol.NameOffer, Data: data}); err != nil {
		e.log.Errorf("failed to send offer: %v", err)
		return
	}
	e.log.Debugf("offer sent (%d bytes)", len(data))
	e.setState(StateAwaitingAnswer)
}

// HandleAnswer applies the data of an inbound answer envelope. Answers are
// only taken in AwaitingAnswer; all others are logged and discarded. A
// malformed answer leaves the session in AwaitingAnswer.
func (e *Engine) HandleAnswer(data string) {
	if e.state != StateAwaitingAnswer || e.applying {
		e.log.Errorf("%v", fmt.Errorf("%w: answer received in state %s, discarded", ErrNegotiation, e.describeState()))
		return
	}

	desc, err := DecodeDescription(data)
	if err != nil {
		e.log.Errorf("%v", fmt.Errorf("%w: invalid answer: %w", ErrNegotiation, err))
		return
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		e.log.Errorf("%v", fmt.Errorf("%w: expected an answer, got %s", ErrNegotiation, desc.Type))
		return
	}

	e.applying = true
	ctx := e.ctx
	go func() {
		err := e.conn.SetRemoteDescription(ctx, desc)
		e.post(func() { e.answerApplied(err) })
	}()
}

func (e *Engine) describeState() string {
	if e.applying {
		return e.state.String() + " (applying an answer)"
	}
	return e.state.String()
}

func (e *Engine) answerApplied(err error) {
	e.applying = false
	if e.state == StateStopped {
		e.log.Debugf("discarding answer applied after stop")
		return
	}
	if err != nil {
		e.log.Errorf("%v", fmt.Errorf("%w: remote description rejected: %w", ErrNegotiation, err))
		return
	}
	e.setState(StateConnected)
	e.log.Infof("screen sharing session connected")
}

// Stop ends the session: in-flight steps are cancelled and their results
// discarded, and the connection object is closed. It reports whether this
// call performed the transition.
func (e *Engine) Stop() bool {
	if e.state == StateStopped {
		return false
	}
	e.cancel()
	if err := e.conn.Close(); err != nil {
		e.log.Debugf("closing connection: %v", err)
	}
	e.setState(StateStopped)
	return true
}
