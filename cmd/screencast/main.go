// Screencast: CLI entry point.
//
// This tool shares the local screen with a remote peer over WebRTC. The
// sharer negotiates the session through a WebSocket signaling endpoint; the
// receiver serves that endpoint and answers the sharer's offer.
//
// It can be launched interactively (no -role) or non-interactively via CLI
// flags. Flags override SCREENCAST_* environment variables and .env values.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/screencast/internal/app"
	"github.com/1ureka/screencast/internal/config"
	"github.com/1ureka/screencast/internal/signaling"
	"github.com/1ureka/screencast/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// CLI flags, defaulting to the environment.
	role := flag.String("role", string(cfg.Role), "Role: share or receive")
	flag.StringVar(&cfg.Origin, "origin", cfg.Origin, "Origin of the signaling server (share only), e.g. https://host:8000")
	flag.IntVar(&cfg.Screen, "screen", cfg.Screen, "Display index to capture (share only)")
	flag.IntVar(&cfg.FPS, "fps", cfg.FPS, "Capture frame rate (share only)")
	flag.IntVar(&cfg.MaxWidth, "maxWidth", cfg.MaxWidth, "Downsize frames wider than this (share only, 0 keeps native)")
	flag.StringVar(&cfg.Preview, "preview", cfg.Preview, "PNG file written by the \"Save preview\" command (share only)")
	flag.BoolVar(&cfg.AutoAccept, "yes", cfg.AutoAccept, "Grant screen capture without prompting (share only)")
	flag.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Skip TLS verification of the signaling server (share only)")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address (receive only)")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (receive only)")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key file (receive only)")
	flag.DurationVar(&cfg.PingInterval, "ping", cfg.PingInterval, "Signaling keepalive interval, 0 disables")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Screencast — v%s", version))
	pterm.Println()

	cfg.Role = config.Role(*role)
	if cfg.Role == "" {
		// No role → interactive mode.
		askRole(cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	switch cfg.Role {
	case config.RoleShare:
		err = app.RunShare(ctx, cfg)
	case config.RoleReceive:
		err = app.RunReceive(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("screencast closed")
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askRole fills the role, and the sharer's origin, from interactive prompts.
func askRole(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Share   — Share this screen", "Receive — Accept a shared screen"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Share") {
		cfg.Role = config.RoleShare
		if cfg.Origin == "" {
			cfg.Origin = askOrigin()
		}
	} else {
		cfg.Role = config.RoleReceive
	}
}

// askOrigin prompts until a usable signaling origin is entered.
func askOrigin() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling server origin (e.g. https://screen.local:8000)").
			Show()

		if _, err := signaling.EndpointURL(raw); err == nil {
			pterm.Println()
			return strings.TrimSpace(raw)
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a host or URL")
	}
}
