package transport

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAPI builds a pion API with default interceptors (NACK, RTCP reports).
// With videoOnly only VP8 is registered, matching the receiving player.
func newAPI(videoOnly bool) (*webrtc.API, error) {
	engine := &webrtc.MediaEngine{}
	if videoOnly {
		err := engine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		}, webrtc.RTPCodecTypeVideo)
		if err != nil {
			return nil, err
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(engine), webrtc.WithInterceptorRegistry(registry)), nil
}

// newPeerConnection creates a PeerConnection configured with the given ICE
// servers. No TURN: an empty list gathers host candidates only.
func newPeerConnection(api *webrtc.API, iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: iceServers},
		}
	}
	return api.NewPeerConnection(config)
}
