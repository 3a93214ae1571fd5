// Package capture acquires the local display stream that the sharer offers
// to the remote peer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Capture errors. ErrPermissionDenied and ErrCaptureUnsupported both match
// ErrCapture with errors.Is.
var (
	ErrCapture            = errors.New("capture error")
	ErrPermissionDenied   = fmt.Errorf("%w: permission denied", ErrCapture)
	ErrCaptureUnsupported = fmt.Errorf("%w: capture unsupported", ErrCapture)
)

// ErrNoFrame is returned by WritePNG before the first frame is grabbed.
var ErrNoFrame = errors.New("no frame captured yet")

// Constraints selects what to capture.
type Constraints struct {
	Video    bool
	Audio    bool
	Screen   int // display index; out of range falls back to 0
	FPS      int
	MaxWidth int // frames wider than this are downsized; 0 keeps the native size
}

// Source produces a local media stream on request. A request may block for as
// long as the user takes to grant permission.
type Source interface {
	RequestDisplayStream(ctx context.Context, c Constraints) (*Stream, error)
}

// Screen is one capturable display.
type Screen struct {
	Index  int
	Bounds image.Rectangle
}

// ---------------------------------------------------------------------------
// Stream & Track
// ---------------------------------------------------------------------------

// Track is one independently stoppable media track.
type Track struct {
	local *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{} // closed when production has halted

	frame  atomic.Pointer[image.RGBA]
	frames atomic.Int64
}

// NewTrack wraps a local sample track. The returned Track grabs nothing by
// itself; see ScreenSource for a track that pumps frames.
func NewTrack(local *webrtc.TrackLocalStaticSample) *Track {
	t := &Track{
		local: local,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	close(t.done)
	return t
}

// ID returns the track identifier.
func (t *Track) ID() string { return t.local.ID() }

// Kind returns the media kind of the track.
func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

// Local returns the pion track to attach to a PeerConnection.
func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

// Stop halts production and returns once it has stopped. Safe to call more
// than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Frames returns the number of frames grabbed so far.
func (t *Track) Frames() int64 { return t.frames.Load() }

// Frame returns the newest grabbed frame, or nil if there is none yet.
func (t *Track) Frame() *image.RGBA { return t.frame.Load() }

func (t *Track) setFrame(img *image.RGBA) {
	t.frame.Store(img)
	t.frames.Add(1)
}

// WritePNG encodes the newest frame to w.
func (t *Track) WritePNG(w io.Writer) error {
	img := t.Frame()
	if img == nil {
		return ErrNoFrame
	}
	return png.Encode(w, img)
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Stream groups the tracks granted by one capture request.
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream creates a stream with a random ID.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.New().String(), tracks: tracks}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []*Track { return s.tracks }

// LocalTracks returns the pion tracks of the stream.
func (s *Stream) LocalTracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.local
	}
	return out
}

// Active reports whether any track is still producing.
func (s *Stream) Active() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// Stop stops every track synchronously.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
