package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/1ureka/screencast/internal/config"
	"github.com/1ureka/screencast/internal/receiver"
	"github.com/1ureka/screencast/internal/signaling"
	"github.com/1ureka/screencast/internal/util"
)

const shutdownTimeout = 5 * time.Second

// RunReceive orchestrates the receiver:
//  1. Serve the signaling endpoint and the stats route
//  2. Accept one sharer at a time and answer its sessions
//  3. Shut the HTTP server down on exit
func RunReceive(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. HTTP server ─────────────────────────────────────────────────
	server := signaling.NewServer(signaling.Options{
		PingInterval: cfg.PingInterval,
		Logger:       util.Console,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS() {
			err = httpSrv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	scheme := "ws"
	if cfg.TLS() {
		scheme = "wss"
	}
	util.LogInfo("receiver listening on %s (%s, path %s)", cfg.Listen, scheme, signaling.Path)
	util.StartStatsReporter(ctx)

	// ── 2. Sharers ─────────────────────────────────────────────────────
	for {
		ch, err := server.Accept(ctx)
		if err != nil {
			break
		}
		util.LogInfo("sharer connected")

		err = receiver.Serve(ctx, ch, receiver.Config{
			ICEServers:  cfg.ICEServers,
			PLIInterval: cfg.PLIInterval,
			Logger:      util.Console,
		})
		if err != nil {
			util.LogWarning("sharer disconnected: %v", err)
		} else {
			util.LogInfo("sharer disconnected")
		}
	}

	// ── 3. Shutdown ────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		util.LogDebug("http shutdown: %v", err)
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// newRouter mounts the signaling endpoint and the stats route.
func newRouter(server *signaling.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(signaling.Path, server)
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(util.Stats.Snapshot()); err != nil {
			util.LogDebug("failed to write stats: %v", err)
		}
	})
	return r
}
