// Package signaling carries protocol envelopes between the sharer and the
// remote peer over a persistent WebSocket. A Channel is ordered in both
// directions: sends are serialized, and inbound envelopes are handed to a
// single consumer in arrival order.
package signaling

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/screencast/internal/protocol"
	"github.com/1ureka/screencast/internal/util"
)

// ErrTransport marks failures of the signaling transport: the channel never
// opened, closed, or failed while writing.
var ErrTransport = errors.New("transport error")

// writeWait bounds every frame write.
const writeWait = 10 * time.Second

// State is the lifecycle state of a signaling connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Channel is an open signaling connection.
type Channel struct {
	conn         *websocket.Conn
	log          util.Logger
	pingInterval time.Duration

	state      atomic.Int32
	localClose atomic.Bool
	writeMu    sync.Mutex
	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

func newChannel(conn *websocket.Conn, opts Options) *Channel {
	log := opts.Logger
	if log == nil {
		log = util.Console
	}

	c := &Channel{
		conn:         conn,
		log:          log,
		pingInterval: opts.PingInterval,
		done:         make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Done returns a channel that is closed once the read loop started by Listen
// has exited and onClose has been called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send writes env to the peer. Sends are delivered in call order. It fails
// with ErrTransport unless the channel is open.
func (c *Channel) Send(env protocol.Envelope) error {
	buf, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if st := c.State(); st != StateOpen {
		return fmt.Errorf("%w: cannot send %q: channel is %s", ErrTransport, env.Name, st)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		// Closing the socket also unblocks the read loop, which reports onClose.
		c.markClosed()
		c.conn.Close()
		return fmt.Errorf("%w: send %q: %w", ErrTransport, env.Name, err)
	}
	return nil
}

// Listen starts the read loop. onMessage is called once per parsed envelope,
// in receipt order, from a single goroutine; malformed messages are logged and
// dropped. onClose is called exactly once after the last onMessage, with nil
// when the channel was closed locally. Only the first call has any effect.
func (c *Channel) Listen(onMessage func(protocol.Envelope), onClose func(error)) {
	c.listenOnce.Do(func() {
		if c.pingInterval > 0 {
			pongWait := 2 * c.pingInterval
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.conn.SetPongHandler(func(string) error {
				return c.conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			go c.keepalive()
		}
		go c.watch(onMessage, onClose)
	})
}

// Close closes the channel. onClose (if listening) receives a nil error.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.localClose.Store(true)

		c.writeMu.Lock()
		wasOpen := c.State() == StateOpen
		c.markClosed()
		if wasOpen {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
		}
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *Channel) markClosed() {
	c.state.Store(int32(StateClosed))
}

// watch is the single reader goroutine.
func (c *Channel) watch(onMessage func(protocol.Envelope), onClose func(error)) {
	var err error
	for {
		var raw []byte
		if _, raw, err = c.conn.ReadMessage(); err != nil {
			break
		}

		env, perr := protocol.Decode(raw)
		if perr != nil {
			c.log.Errorf("dropping signaling message: %v", perr)
			continue
		}
		onMessage(env)
	}

	c.markClosed()
	c.conn.Close()
	close(c.done)

	if onClose != nil {
		onClose(c.closeReason(err))
	}
}

func (c *Channel) closeReason(err error) error {
	if c.localClose.Load() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: signaling channel closed by remote: %w", ErrTransport, err)
	}
	return fmt.Errorf("%w: signaling channel failed: %w", ErrTransport, err)
}

// keepalive pings the peer until the read loop exits. A missing pong trips the
// read deadline, which closes the channel.
func (c *Channel) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debugf("signaling ping failed: %v", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
