// Package transport wraps a pion PeerConnection as the local connection
// object of a screen-sharing session, on either the offering or the
// answering side.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/negotiation"
	"github.com/1ureka/screencast/internal/util"
)

// Config configures a Transport.
type Config struct {
	ICEServers []string
	VideoOnly  bool // register VP8 only
	Logger     util.Logger
}

// Transport wraps a single PeerConnection. Descriptions are exchanged without
// trickle ICE: SetLocalDescription returns once gathering has completed, so
// the description carries every local candidate.
//
// The PeerConnection state is recorded; a failed or closed connection ends
// the Transport (Done).
type Transport struct {
	pc  *webrtc.PeerConnection
	log util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// New creates a Transport backed by a new PeerConnection.
func New(cfg Config) (*Transport, error) {
	log := cfg.Logger
	if log == nil {
		log = util.Console
	}

	api, err := newAPI(cfg.VideoOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to build media engine: %w", err)
	}
	pc, err := newPeerConnection(api, cfg.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		pc:      pc,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		pcState: webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			cancel()
		}
	})

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the Transport is shut down
// (PeerConnection failed or closed, or Close called).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return t.pc.Close()
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTrack attaches a local track and drains the RTCP its sender receives.
func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go t.drainRTCP(sender, track.ID())
	return nil
}

// drainRTCP reads RTCP for a sender until it is stopped. Interceptors need
// the reads to run; keyframe requests are only logged.
func (t *Transport) drainRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if pli, ok := pkt.(*rtcp.PictureLossIndication); ok {
				t.log.Debugf("track %s: keyframe requested (ssrc=%d)", trackID, pli.MediaSSRC)
			}
		}
	}
}

// ReceiveOnly adds a recv-only transceiver of the given kind.
func (t *Transport) ReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// OnTrack registers a callback invoked for every inbound remote track.
func (t *Transport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.pc.OnTrack(fn)
}

// WriteRTCP sends RTCP packets to the remote peer.
func (t *Transport) WriteRTCP(pkts []rtcp.Packet) error {
	return t.pc.WriteRTCP(pkts)
}

func (t *Transport) hasTransceiver(kind webrtc.RTPCodecType) bool {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() == kind {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer. Kinds the options ask to receive get a
// recv-only transceiver unless one of that kind already exists; other kinds
// are never added.
func (t *Transport) CreateOffer(ctx context.Context, opts negotiation.OfferOptions) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if opts.ReceiveVideo && !t.hasTransceiver(webrtc.RTPCodecTypeVideo) {
		if err := t.ReceiveOnly(webrtc.RTPCodecTypeVideo); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to add video transceiver: %w", err)
		}
	}
	if opts.ReceiveAudio && !t.hasTransceiver(webrtc.RTPCodecTypeAudio) {
		if err := t.ReceiveOnly(webrtc.RTPCodecTypeAudio); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}

	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer to the applied remote offer.
func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies desc and blocks until ICE gathering completes or
// ctx is done. It returns the local description including candidates.
func (t *Transport) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)

	if err := t.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	case <-t.ctx.Done():
		return webrtc.SessionDescription{}, errors.New("transport closed during ICE gathering")
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description after gathering")
	}
	return *local, nil
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}
