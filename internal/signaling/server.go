package signaling

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the answering side of the signaling channel. It upgrades
// requests on Path and admits a single client at a time; the next client is
// admitted once the current Channel is done.
type Server struct {
	opts   Options
	busy   atomic.Bool
	connCh chan *Channel
}

// NewServer creates a signaling server whose channels use opts.
func NewServer(opts Options) *Server {
	return &Server{
		opts:   opts,
		connCh: make(chan *Channel),
	}
}

// ServeHTTP upgrades the request and hands the Channel to Accept.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only one client at a time.
	if !s.busy.CompareAndSwap(false, true) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	ch := newChannel(conn, s.opts)
	select {
	case s.connCh <- ch:
		go func() {
			<-ch.Done()
			s.busy.Store(false)
		}()
	case <-r.Context().Done():
		ch.Close()
		s.busy.Store(false)
	}
}

// Accept blocks until a client connects or ctx is cancelled. The caller must
// Listen on the returned Channel; the server stays busy until it is done.
func (s *Server) Accept(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-s.connCh:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
