// Package negotiation drives the offer/answer exchange of one Peer Session
// against a local connection object.
//
// An Engine is not safe for concurrent use. All of its methods, and every
// function it hands to its Scheduler, must run on the same goroutine (the
// session controller's event loop). Slow steps such as offer generation and
// applying the remote description run on their own goroutines and post
// their results back through the Scheduler.
package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/protocol"
)

// ErrNegotiation marks descriptions rejected by the local connection object
// and answers received out of state.
var ErrNegotiation = errors.New("negotiation error")

// State is the Peer Session state.
type State int

const (
	StateIdle State = iota
	StateCapturePending
	StateLocalDescriptionSet
	StateAwaitingAnswer
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturePending:
		return "capture-pending"
	case StateLocalDescriptionSet:
		return "local-description-set"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OfferOptions are the capability flags of a generated offer.
type OfferOptions struct {
	ReceiveVideo bool
	ReceiveAudio bool
}

// DefaultOfferOptions request video reception and decline audio.
var DefaultOfferOptions = OfferOptions{ReceiveVideo: true, ReceiveAudio: false}

// Connection is the local connection object a Peer Session negotiates on.
type Connection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer(ctx context.Context, opts OfferOptions) (webrtc.SessionDescription, error)
	// SetLocalDescription applies desc and returns the description to send,
	// which may differ from desc (gathered candidates).
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	Close() error
}

// Sender delivers an envelope to the remote peer.
type Sender func(env protocol.Envelope) error

// Scheduler runs fn on the goroutine that owns the Engine. It must not block
// waiting for fn to run.
type Scheduler func(fn func())
