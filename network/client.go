package network

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DialOptions controls an outbound WebSocket connection to the relay.
type DialOptions struct {
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	Header            http.Header
}

func (o DialOptions) withDefaults() DialOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	return o
}

// Dial connects to a relay WebSocket URL such as ws://host:port/ws.
func Dial(ctx context.Context, url string, options DialOptions) (*Connection, error) {
	opts := options.withDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectionTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}

	return newConnection(conn, ConnectionOptions{
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		WriteTimeout:      opts.WriteTimeout,
		MaxMessageSize:    opts.MaxMessageSize,
	}), nil
}
