// Package app contains the top-level orchestration for the share and receive
// roles.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/screencast/internal/capture"
	"github.com/1ureka/screencast/internal/config"
	"github.com/1ureka/screencast/internal/negotiation"
	"github.com/1ureka/screencast/internal/session"
	"github.com/1ureka/screencast/internal/signaling"
	"github.com/1ureka/screencast/internal/transport"
	"github.com/1ureka/screencast/internal/util"
)

// logTail is the number of entries kept for the "Show log" command.
const logTail = 20

// Menu commands.
const (
	cmdStart   = "Start sharing"
	cmdStop    = "Stop sharing"
	cmdPreview = "Save preview"
	cmdLog     = "Show log"
	cmdRefresh = "Refresh"
	cmdQuit    = "Quit"
)

// RunShare orchestrates the sharer:
//  1. Derive the signaling endpoint from the origin
//  2. Build the screen source, dialer and peer connection factory
//  3. Run the session controller
//  4. Drive it from an interactive command menu until quit or shutdown
func RunShare(ctx context.Context, cfg *config.Config) error {
	// ── 1. Endpoint ────────────────────────────────────────────────────
	endpoint, err := signaling.EndpointURL(cfg.Origin)
	if err != nil {
		return err
	}

	logs := util.NewLogBuffer(util.Console, logTail)

	// ── 2. Collaborators ───────────────────────────────────────────────
	source := capture.NewScreenSource(capture.ScreenOptions{
		Prompt: capturePrompt(cfg.AutoAccept),
		Logger: logs,
	})
	if screens := source.Screens(); len(screens) > 0 {
		util.LogDebug("%d display(s) available", len(screens))
	}

	var tlsConfig *tls.Config
	if cfg.Insecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	chOpts := signaling.Options{
		PingInterval: cfg.PingInterval,
		TLSConfig:    tlsConfig,
		Logger:       logs,
	}

	display := &consoleDisplay{}
	ctrl := session.NewController(session.Options{
		Source: source,
		Dial: func(ctx context.Context) (session.Channel, error) {
			ch, err := signaling.Dial(ctx, endpoint, chOpts)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		NewConnection: func() (negotiation.Connection, error) {
			tr, err := transport.New(transport.Config{ICEServers: cfg.ICEServers, Logger: logs})
			if err != nil {
				return nil, err
			}
			return tr, nil
		},
		Constraints: capture.Constraints{
			Video:    true,
			Screen:   cfg.Screen,
			FPS:      cfg.FPS,
			MaxWidth: cfg.MaxWidth,
		},
		Display: display,
		Logger:  logs,
	})

	changes := make(chan session.Snapshot, 16)
	ctrl.OnStateChange(func(s session.Snapshot) {
		select {
		case changes <- s:
		default:
		}
	})

	// ── 3. Controller ──────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ctrl.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	util.LogInfo("connecting to %s", endpoint)
	if snap := waitChannel(ctx, ctrl, changes); snap.Channel == signaling.StateClosed {
		return fmt.Errorf("%w: could not open signaling channel", signaling.ErrTransport)
	}

	// ── 4. Command menu ────────────────────────────────────────────────
	for {
		snap := ctrl.Snapshot()
		if snap.Channel == signaling.StateClosed && !snap.CanStop() {
			return fmt.Errorf("%w: signaling channel closed", signaling.ErrTransport)
		}

		pterm.Println()
		pterm.Info.Printfln("Session: %s | Channel: %s", snap.Session, snap.Channel)

		opts := commandOptions(snap)
		if display.sharing() {
			opts = append([]string{cmdPreview}, opts...)
		}
		choice, err := selectCommand(ctx, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch choice {
		case cmdStart:
			ctrl.Start()
			// The capture prompt needs the terminal; wait for it to settle.
			waitSettled(ctx, ctrl, changes)
		case cmdStop:
			ctrl.Stop()
		case cmdPreview:
			if err := display.savePreview(cfg.Preview); err != nil {
				util.LogWarning("failed to save preview: %v", err)
			} else {
				util.LogInfo("preview saved to %s", cfg.Preview)
			}
		case cmdLog:
			printLog(logs.Entries())
		case cmdQuit:
			return nil
		}
	}
}

// commandOptions lists the menu entries enabled by the snapshot.
func commandOptions(snap session.Snapshot) []string {
	var opts []string
	if snap.CanStart() {
		opts = append(opts, cmdStart)
	}
	if snap.CanStop() {
		opts = append(opts, cmdStop)
	}
	return append(opts, cmdLog, cmdRefresh, cmdQuit)
}

// selectCommand shows the menu. The prompt cannot be interrupted, so a
// cancelled ctx abandons it.
func selectCommand(ctx context.Context, options []string) (string, error) {
	type result struct {
		choice string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Command").
			Show()
		ch <- result{choice, err}
	}()

	select {
	case r := <-ch:
		return r.choice, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// waitChannel blocks until the signaling channel leaves Connecting.
func waitChannel(ctx context.Context, ctrl *session.Controller, changes <-chan session.Snapshot) session.Snapshot {
	for {
		snap := ctrl.Snapshot()
		if snap.Channel != signaling.StateConnecting {
			return snap
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return snap
		}
	}
}

// waitSettled blocks while the session waits for the capture prompt.
func waitSettled(ctx context.Context, ctrl *session.Controller, changes <-chan session.Snapshot) {
	for ctrl.State() == negotiation.StateCapturePending {
		select {
		case <-changes:
		case <-ctx.Done():
			return
		}
	}
}

func printLog(entries []util.Entry) {
	if len(entries) == 0 {
		pterm.Info.Println("log is empty")
		return
	}
	data := pterm.TableData{{"Level", "Message"}}
	for _, e := range entries {
		data = append(data, []string{e.Level.String(), e.Message})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		util.LogDebug("failed to render log: %v", err)
	}
}

// capturePrompt asks for permission before each capture. Auto accept grants
// every request.
func capturePrompt(autoAccept bool) func(context.Context, capture.Screen) (bool, error) {
	if autoAccept {
		return nil
	}
	return func(_ context.Context, screen capture.Screen) (bool, error) {
		pterm.Println()
		return pterm.DefaultInteractiveConfirm.
			WithDefaultText(fmt.Sprintf("Share display %d (%dx%d) with the remote peer?",
				screen.Index, screen.Bounds.Dx(), screen.Bounds.Dy())).
			Show()
	}
}

// consoleDisplay reports the local stream in the terminal and keeps it for
// preview snapshots.
type consoleDisplay struct {
	mu     sync.Mutex
	stream *capture.Stream
}

func (d *consoleDisplay) Show(stream *capture.Stream) {
	d.mu.Lock()
	d.stream = stream
	d.mu.Unlock()
	pterm.Success.Printfln("Sharing stream %s (%d track(s))", stream.ID(), len(stream.Tracks()))
}

func (d *consoleDisplay) Clear() {
	d.mu.Lock()
	d.stream = nil
	d.mu.Unlock()
	pterm.Info.Println("Local stream released")
}

func (d *consoleDisplay) sharing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != nil
}

// savePreview writes the newest frame of the shown stream to path as a PNG.
func (d *consoleDisplay) savePreview(path string) error {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil || len(stream.Tracks()) == 0 {
		return errors.New("no stream is being shared")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := stream.Tracks()[0].WritePNG(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
