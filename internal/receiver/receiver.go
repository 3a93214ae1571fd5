// Package receiver implements the answering peer: it accepts a sharer's
// offer over a signaling channel, answers it and consumes the inbound video.
package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/negotiation"
	"github.com/1ureka/screencast/internal/protocol"
	"github.com/1ureka/screencast/internal/signaling"
	"github.com/1ureka/screencast/internal/transport"
	"github.com/1ureka/screencast/internal/util"
)

const (
	defaultPLIInterval = 2 * time.Second
	answerTimeout      = 30 * time.Second
	maxPacketSize      = 1500
)

// Config configures the answering peer.
type Config struct {
	ICEServers  []string
	PLIInterval time.Duration // keyframe request period; zero uses 2s
	Logger      util.Logger
}

type receiver struct {
	ctx context.Context
	ch  *signaling.Channel
	cfg Config
	log util.Logger

	// peer is touched only by the channel's read goroutine, then by Serve
	// after onClose.
	peer *transport.Transport
}

// Serve answers the sharer connected on ch until the channel closes or ctx
// is done. It returns the channel's close error, nil on a local close.
func Serve(ctx context.Context, ch *signaling.Channel, cfg Config) error {
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = defaultPLIInterval
	}
	log := cfg.Logger
	if log == nil {
		log = util.Console
	}
	r := &receiver{ctx: ctx, ch: ch, cfg: cfg, log: log}

	closed := make(chan error, 1)
	ch.Listen(r.handle, func(err error) { closed <- err })

	var err error
	select {
	case err = <-closed:
	case <-ctx.Done():
		ch.Close()
		<-closed
	}
	r.closePeer()
	return err
}

func (r *receiver) handle(env protocol.Envelope) {
	switch env.Name {
	case protocol.NameOffer:
		if err := r.answer(env.Data); err != nil {
			r.log.Errorf("%v", err)
		}
	case protocol.NameStart:
		util.Stats.AddSession()
		r.log.Infof("sharer started a session")
	case protocol.NameStop:
		r.log.Infof("sharer stopped the session")
		r.closePeer()
	default:
		r.log.Debugf("ignoring %q from sharer", env.Name)
	}
}

// answer applies an offer and sends back the answer. A new offer replaces
// the current peer connection.
func (r *receiver) answer(data string) error {
	offer, err := negotiation.DecodeDescription(data)
	if err != nil {
		return fmt.Errorf("%w: invalid offer: %w", negotiation.ErrNegotiation, err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected an offer, got %s", negotiation.ErrNegotiation, offer.Type)
	}

	r.closePeer()

	tr, err := transport.New(transport.Config{
		ICEServers: r.cfg.ICEServers,
		VideoOnly:  true,
		Logger:     r.log,
	})
	if err != nil {
		return err
	}
	if err := tr.ReceiveOnly(webrtc.RTPCodecTypeVideo); err != nil {
		tr.Close()
		return fmt.Errorf("failed to add video transceiver: %w", err)
	}
	tr.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go r.consume(tr, track)
	})

	ctx, cancel := context.WithTimeout(r.ctx, answerTimeout)
	defer cancel()

	local, err := r.negotiate(ctx, tr, offer)
	if err != nil {
		tr.Close()
		return fmt.Errorf("%w: %w", negotiation.ErrNegotiation, err)
	}

	encoded, err := negotiation.EncodeDescription(local)
	if err != nil {
		tr.Close()
		return err
	}
	if err := r.ch.Send(protocol.Envelope{Name: protocol.NameAnswer, Data: encoded}); err != nil {
		tr.Close()
		return err
	}

	r.peer = tr
	r.log.Infof("answer sent, waiting for media")
	return nil
}

func (r *receiver) negotiate(ctx context.Context, tr *transport.Transport, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := tr.SetRemoteDescription(ctx, offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to apply offer: %w", err)
	}
	answer, err := tr.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	local, err := tr.SetLocalDescription(ctx, answer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return local, nil
}

func (r *receiver) closePeer() {
	if r.peer == nil {
		return
	}
	if err := r.peer.Close(); err != nil {
		r.log.Debugf("closing peer connection: %v", err)
	}
	r.peer = nil
}

// consume requests keyframes periodically and counts inbound RTP packets
// until the track ends.
func (r *receiver) consume(tr *transport.Transport, track *webrtc.TrackRemote) {
	util.Stats.AddTrack()
	r.log.Infof("receiving %s track (%s)", track.Kind(), track.Codec().MimeType)

	go func() {
		ticker := time.NewTicker(r.cfg.PLIInterval)
		defer ticker.Stop()

		pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
		for {
			select {
			case <-tr.Done():
				return
			case <-ticker.C:
				if err := tr.WriteRTCP([]rtcp.Packet{pli}); err != nil {
					r.log.Debugf("keyframe request failed: %v", err)
					return
				}
				util.Stats.AddPLI()
			}
		}
	}()

	buf := make([]byte, maxPacketSize)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			r.log.Debugf("%s track ended: %v", track.Kind(), err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.log.Debugf("dropping malformed RTP packet: %v", err)
			continue
		}
		util.Stats.AddPacket(len(pkt.Payload))
	}
}
