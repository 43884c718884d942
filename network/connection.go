package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionOptions controls runtime behavior of Connection.
type ConnectionOptions struct {
	ID                string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	InboundBuffer     int
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 64
	}
	return o
}

// Connection is one WebSocket channel carrying JSON text messages.
type Connection struct {
	conn *websocket.Conn
	id   string

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	sendMu sync.Mutex

	lastActivity atomic.Int64

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn *websocket.Conn, options ConnectionOptions) *Connection {
	opts := options.withDefaults()

	c := &Connection{
		conn:              conn,
		id:                opts.ID,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		inbound:           make(chan []byte, opts.InboundBuffer),
		closed:            make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		c.touchActivity()
		return c.extendReadDeadline()
	})

	c.touchActivity()
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// ID returns the endpoint identifier assigned to this connection.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// SendMessage marshals a protocol message and writes it as one text frame.
func (c *Connection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one text frame.
func (c *Connection) SendRaw(payload []byte) error {
	select {
	case <-c.closed:
		return c.terminalError()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write message: %w", err))
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	c.touchActivity()
	return nil
}

// ReceiveMessage waits for the next inbound message.
func (c *Connection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-c.inbound:
		if !ok {
			return nil, c.terminalError()
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and terminates the connection.
// Control frames may be written concurrently with SendRaw.
func (c *Connection) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	c.closeWithError(nil)
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.inbound)

	for {
		if err := c.extendReadDeadline(); err != nil {
			c.closeWithError(err)
			return
		}

		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.closeWithError(nil)
			case errors.As(err, &netErr) && netErr.Timeout():
				c.closeWithError(ErrPongTimeout)
			case errors.Is(err, net.ErrClosed):
				c.closeWithError(nil)
			default:
				c.closeWithError(fmt.Errorf("read message: %w", err))
			}
			return
		}

		c.touchActivity()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if len(payload) == 0 {
			continue
		}

		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) extendReadDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.keepAliveInterval + c.keepAliveTimeout))
}

func (c *Connection) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when a frame was last read or written.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) terminalError() error {
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
