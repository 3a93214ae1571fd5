package signaling

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/screencast/internal/util"
)

// Path is the fixed server-relative path of the signaling endpoint.
const Path = "/ws"

// Options configures a Channel on either side of the connection.
type Options struct {
	PingInterval time.Duration // keepalive ping period; zero disables pings
	TLSConfig    *tls.Config   // client side only; nil uses the system defaults
	Logger       util.Logger   // nil logs to util.Console
}

// Dial connects to the signaling endpoint and returns an open Channel.
// Failures are reported as ErrTransport.
func Dial(ctx context.Context, endpoint string, opts Options) (*Channel, error) {
	dialer := *websocket.DefaultDialer
	if opts.TLSConfig != nil {
		dialer.TLSClientConfig = opts.TLSConfig
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", ErrTransport, endpoint, err)
	}
	return newChannel(conn, opts), nil
}

// EndpointURL derives the signaling endpoint from the origin serving the
// sharer: https origins use wss, http origins use ws, and the path is always
// Path. A bare host defaults to wss.
//
//	https://screen.local:8000 → wss://screen.local:8000/ws
func EndpointURL(origin string) (string, error) {
	raw := strings.TrimSpace(origin)
	if raw == "" {
		return "", fmt.Errorf("missing signaling origin")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling origin: %s", origin)
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported signaling origin scheme %q", u.Scheme)
	}

	return (&url.URL{Scheme: scheme, Host: u.Host, Path: Path}).String(), nil
}
