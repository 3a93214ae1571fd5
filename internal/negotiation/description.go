package negotiation

import (
	"encoding/json"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/protocol"
)

// EncodeDescription serializes a session description as the data field of an
// offer or answer envelope: {"type":"offer","sdp":"..."}.
func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	buf, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// DecodeDescription parses the data field of an offer or answer envelope. The
// SDP body must parse; failures wrap protocol.ErrParse.
func DecodeDescription(data string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(data), &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session description: %w", protocol.ErrParse, err)
	}
	if desc.Type == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session description has no type", protocol.ErrParse)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session description has no sdp", protocol.ErrParse)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session description body: %w", protocol.ErrParse, err)
	}
	return desc, nil
}

// MediaSection summarizes one m= section of a description.
type MediaSection struct {
	Kind      string // "video", "audio", "application"
	Direction string // "sendrecv", "sendonly", "recvonly" or "inactive"
}

// Capabilities lists the media sections of a description.
type Capabilities struct {
	Sections []MediaSection
}

// Has reports whether a section of the given kind is present.
func (c Capabilities) Has(kind string) bool {
	for _, s := range c.Sections {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// CanReceive reports whether the describing side accepts media of kind.
func (c Capabilities) CanReceive(kind string) bool {
	for _, s := range c.Sections {
		if s.Kind == kind && (s.Direction == "recvonly" || s.Direction == "sendrecv") {
			return true
		}
	}
	return false
}

// Inspect parses desc and reports its media sections.
func Inspect(desc webrtc.SessionDescription) (Capabilities, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return Capabilities{}, fmt.Errorf("%w: session description body: %w", protocol.ErrParse, err)
	}

	var caps Capabilities
	for _, md := range parsed.MediaDescriptions {
		section := MediaSection{Kind: md.MediaName.Media, Direction: "sendrecv"}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				section.Direction = attr.Key
			}
		}
		caps.Sections = append(caps.Sections, section)
	}
	return caps, nil
}
