package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ServerOptions controls the relay's WebSocket endpoint.
type ServerOptions struct {
	Path string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64

	// CheckOrigin defaults to accepting every origin; devices are not browsers
	// bound to one site.
	CheckOrigin func(*http.Request) bool

	ConnectionRateLimitPerIP     int
	ConnectionRateLimitWindow    time.Duration
	OnInboundConnectionRateLimit func(remoteIP string)

	// NewID assigns endpoint identifiers. Defaults to random UUIDs.
	NewID func() string
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.ConnectionRateLimitPerIP > 0 && o.ConnectionRateLimitWindow <= 0 {
		o.ConnectionRateLimitWindow = time.Minute
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

func (o ServerOptions) connectionOptions(id string) ConnectionOptions {
	return ConnectionOptions{
		ID:                id,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		WriteTimeout:      o.WriteTimeout,
		MaxMessageSize:    o.MaxMessageSize,
	}
}

// Server upgrades HTTP requests to Connections and hands them out on Incoming.
// It is an http.Handler so it can be mounted on any mux or test server.
type Server struct {
	options  ServerOptions
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	listener   net.Listener
	httpServer *http.Server

	chanMu   sync.RWMutex
	incoming chan *Connection
	errs     chan error

	active atomic.Int64

	limiterMu sync.Mutex
	limiters  map[string]*ipLimiter

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer returns a handler that is not yet bound to a listener.
func NewServer(options ServerOptions) *Server {
	opts := options.withDefaults()

	s := &Server{
		options: opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.ConnectionTimeout,
			CheckOrigin:      opts.CheckOrigin,
		},
		mux:      http.NewServeMux(),
		incoming: make(chan *Connection, 16),
		errs:     make(chan error, 16),
		limiters: make(map[string]*ipLimiter),
		closed:   make(chan struct{}),
	}
	s.mux.HandleFunc(opts.Path, s.handleUpgrade)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Listen starts an HTTP listener serving the WebSocket endpoint.
func Listen(address string, options ServerOptions) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := NewServer(options)
	server.listener = listener
	server.httpServer = &http.Server{
		Handler:           server,
		ReadHeaderTimeout: server.options.ConnectionTimeout,
	}

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		if err := server.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.reportError(fmt.Errorf("serve http: %w", err))
		}
	}()
	return server, nil
}

// ServeHTTP routes the WebSocket path and the health check.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the listening address, or nil when not started by Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Path returns the WebSocket endpoint path.
func (s *Server) Path() string {
	return s.options.Path
}

// Incoming returns accepted connections.
func (s *Server) Incoming() <-chan *Connection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.httpServer != nil {
			closeErr = s.httpServer.Close()
		}
		s.wg.Wait()

		s.chanMu.Lock()
		close(s.incoming)
		close(s.errs)
		s.chanMu.Unlock()
	})
	return closeErr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	remoteIP := remoteHost(r.RemoteAddr)
	if !s.allowConnection(remoteIP) {
		if s.options.OnInboundConnectionRateLimit != nil {
			s.options.OnInboundConnectionRateLimit(remoteIP)
		}
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.reportError(fmt.Errorf("upgrade connection from %s: %w", r.RemoteAddr, err))
		return
	}

	connection := newConnection(conn, s.options.connectionOptions(s.options.NewID()))
	s.active.Add(1)
	go func() {
		<-connection.Done()
		s.active.Add(-1)
	}()

	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	select {
	case <-s.closed:
		_ = connection.Close()
		return
	default:
	}
	select {
	case s.incoming <- connection:
	case <-s.closed:
		_ = connection.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"connections":     s.ActiveConnections(),
		"protocolVersion": ProtocolVersion,
	})
}

func (s *Server) allowConnection(remoteIP string) bool {
	if s.options.ConnectionRateLimitPerIP <= 0 {
		return true
	}

	now := time.Now()
	window := s.options.ConnectionRateLimitWindow

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	for ip, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > 2*window {
			delete(s.limiters, ip)
		}
	}

	entry, ok := s.limiters[remoteIP]
	if !ok {
		every := window / time.Duration(s.options.ConnectionRateLimitPerIP)
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), s.options.ConnectionRateLimitPerIP)}
		s.limiters[remoteIP] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Listener shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.errs <- err:
	default:
	}
}

func remoteHost(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
