package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/kbinani/screenshot"
	"github.com/nfnt/resize"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/screencast/internal/util"
)

const defaultFPS = 20

// ScreenOptions configures a ScreenSource.
type ScreenOptions struct {
	// Prompt asks the user whether the screen may be captured. Nil grants
	// every request.
	Prompt func(ctx context.Context, screen Screen) (bool, error)

	Logger util.Logger
}

// ScreenSource captures a local display.
type ScreenSource struct {
	prompt func(ctx context.Context, screen Screen) (bool, error)
	log    util.Logger

	displays func() []Screen
	grab     func(image.Rectangle) (*image.RGBA, error)
}

// NewScreenSource creates a ScreenSource backed by the active displays.
func NewScreenSource(opts ScreenOptions) *ScreenSource {
	log := opts.Logger
	if log == nil {
		log = util.Console
	}
	return &ScreenSource{
		prompt:   opts.Prompt,
		log:      log,
		displays: activeDisplays,
		grab:     screenshot.CaptureRect,
	}
}

func activeDisplays() []Screen {
	n := screenshot.NumActiveDisplays()
	screens := make([]Screen, n)
	for i := 0; i < n; i++ {
		screens[i] = Screen{Index: i, Bounds: screenshot.GetDisplayBounds(i)}
	}
	return screens
}

// Screens returns the displays that can be captured.
func (s *ScreenSource) Screens() []Screen {
	return s.displays()
}

// RequestDisplayStream asks for permission and returns a stream with one VP8
// video track for the selected display. The track grabs frames at c.FPS
// until stopped; no samples are encoded onto it.
func (s *ScreenSource) RequestDisplayStream(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Video {
		return nil, fmt.Errorf("%w: video must be requested", ErrCaptureUnsupported)
	}
	if c.Audio {
		return nil, fmt.Errorf("%w: audio capture is not available", ErrCaptureUnsupported)
	}

	screens := s.displays()
	if len(screens) == 0 {
		return nil, fmt.Errorf("%w: no active display", ErrCaptureUnsupported)
	}
	idx := c.Screen
	if idx < 0 || idx >= len(screens) {
		idx = 0
	}
	screen := screens[idx]

	if s.prompt != nil {
		ok, err := s.prompt(ctx, screen)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		if !ok {
			return nil, ErrPermissionDenied
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}

	streamID := uuid.New().String()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		uuid.New().String(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnsupported, err)
	}

	track := &Track{
		local: local,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	fps := c.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	go s.pump(track, screen, fps, c.MaxWidth)

	return &Stream{id: streamID, tracks: []*Track{track}}, nil
}

// pump grabs and downsizes frames until the track is stopped. The newest
// frame is kept on the track.
func (s *ScreenSource) pump(t *Track, screen Screen, fps, maxWidth int) {
	defer close(t.done)

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		img, err := s.grab(screen.Bounds)
		if err != nil {
			s.log.Errorf("screen %d capture failed: %v", screen.Index, err)
			return
		}
		if t.Stopped() {
			return
		}
		t.setFrame(fit(img, maxWidth))
	}
}

// fit downsizes img to maxWidth, keeping its aspect ratio.
func fit(img *image.RGBA, maxWidth int) *image.RGBA {
	w := img.Bounds().Dx()
	if maxWidth <= 0 || w <= maxWidth {
		return img
	}
	h := img.Bounds().Dy() * maxWidth / w

	resized, ok := resize.Resize(uint(maxWidth), uint(h), img, resize.Lanczos3).(*image.RGBA)
	if !ok {
		return img
	}
	return resized
}
