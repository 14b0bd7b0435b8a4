// Package server implements the vizrpc server: connection lifecycle, session
// scoping, chunk reassembly, concurrent dispatch, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept / Upgrade → ServeLink (single goroutine reads fragments per connection)
//	  → Reassembler.Feed → completed logical message
//	    → go handleMessage (parallel processing)
//	      → Codec.Decode → Router.Dispatch (middleware chain → handler) → Codec.Encode
//	        → Encoder fragments the response → Link.WriteFrame per fragment
//
// Each connection owns a Session and ClientStore (package session) that live
// exactly as long as the connection, and a pending-call table. Closing the
// connection cancels every pending call; their responses are never sent.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vizrpc/codec"
	"vizrpc/config"
	"vizrpc/observability"
	"vizrpc/registry"
	"vizrpc/router"
	"vizrpc/session"
	"vizrpc/transport"
)

// ErrServerClosed is returned by Serve and ServeLink once Shutdown has begun.
var ErrServerClosed = errors.New("server: closed")

// Options configures a Server. Zero values fall back to the defaults of
// package config.
type Options struct {
	ChunkSize         int
	MaxMessageSize    int
	Compression       codec.Compression
	CompressThreshold int
	CorsOrigins       []string // WebSocket origin allow-list, "*" admits all
	Keepalive         bool     // ping WebSocket peers

	// OnConnect runs after the connection's scope is open and before any call
	// is dispatched. Returning an error rejects the connection.
	OnConnect func(ctx context.Context, sc *session.Scope) error
	// OnDisconnect runs once the connection is fully torn down.
	OnDisconnect func(ctx context.Context, connID string)

	Logger *zap.Logger

	// Registry, when set together with AdvertiseAddr, is used by Advertise
	// and Shutdown.
	Registry      registry.Registry
	Service       string
	AdvertiseAddr string
	TTL           int64
	Weight        int
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = d.CompressThreshold
	}
	if o.Service == "" {
		o.Service = d.Registry.Service
	}
	if o.TTL <= 0 {
		o.TTL = d.Registry.TTL
	}
	if o.Weight <= 0 {
		o.Weight = d.Registry.Weight
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// OptionsFromConfig maps the file configuration onto server options. Hooks,
// logger and registry are left for the caller.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	comp, err := codec.ParseCompression(cfg.Compression)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ChunkSize:         cfg.ChunkSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		Compression:       comp,
		CompressThreshold: cfg.CompressThreshold,
		CorsOrigins:       cfg.CorsOrigins,
		Keepalive:         true,
		Service:           cfg.Registry.Service,
		AdvertiseAddr:     cfg.Registry.Advertise,
		TTL:               cfg.Registry.TTL,
		Weight:            cfg.Registry.Weight,
	}, nil
}

// Server serves one Router to many connections.
type Server struct {
	router   *router.Router
	sessions *session.Registry
	opts     Options
	logger   *zap.Logger
	upgrader *websocket.Upgrader

	ctx    context.Context // parent of every connection, cancelled by Shutdown
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[string]*conn
	listeners map[net.Listener]struct{}
	inflight  sync.WaitGroup // Tracks in-flight handlers for graceful shutdown
	shutdown  atomic.Bool    // Set to true during shutdown to suppress Accept errors

	advertised atomic.Bool
}

// New creates a server for r. The router is frozen: its method table and
// middleware chain can no longer change.
func New(r *router.Router, opts Options) *Server {
	opts = opts.withDefaults()
	r.Freeze()
	observability.RegisterMetrics()

	s := &Server{
		router:    r,
		sessions:  session.NewRegistry(),
		opts:      opts,
		logger:    opts.Logger,
		conns:     make(map[string]*conn),
		listeners: make(map[net.Listener]struct{}),
	}
	s.upgrader = transport.NewUpgrader(opts.ChunkSize, opts.CorsOrigins)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Sessions exposes the registry of open connection scopes.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// ChunkSize returns the fragment payload limit in both directions.
func (s *Server) ChunkSize() int { return s.opts.ChunkSize }

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe listens on the TCP address and serves framed TCP on it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts framed TCP connections on ln until Shutdown. It returns nil
// after a Shutdown, the Accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("serving framed tcp", zap.String("addr", ln.Addr().String()))

	// Accept loop: one goroutine per connection
	for {
		nc, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if s.shutdown.Load() {
				return nil
			}
			s.mu.Lock()
			delete(s.listeners, ln)
			s.mu.Unlock()
			ln.Close()
			return err
		}
		go func() {
			link := transport.NewStreamLink(nc, s.opts.ChunkSize)
			info := session.ConnInfo{RemoteAddr: link.RemoteAddr()}
			if err := s.ServeLink(s.ctx, link, info); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Warn("connection ended with error", zap.String("remote", info.RemoteAddr), zap.Error(err))
			}
		}()
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves it until it
// closes. Mount it on the route the front-end connects to.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	link := transport.NewWebSocketLink(ws, s.opts.ChunkSize, s.opts.Keepalive)
	info := session.ConnInfo{RemoteAddr: r.RemoteAddr, Header: r.Header.Clone()}
	if err := s.ServeLink(s.ctx, link, info); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Warn("connection ended with error", zap.String("remote", info.RemoteAddr), zap.Error(err))
	}
}

// ServeLink serves one established link until it closes, ctx is cancelled,
// or the server shuts down. Teardown has completed when it returns. A peer
// disconnect is not an error.
func (s *Server) ServeLink(ctx context.Context, link transport.Link, info session.ConnInfo) error {
	c, err := s.open(ctx, link, info)
	if err != nil {
		link.Close()
		return err
	}
	defer s.forget(c)

	if s.opts.OnConnect != nil {
		if err := s.opts.OnConnect(session.WithScope(c.ctx, c.scope), c.scope); err != nil {
			c.logger.Info("connection rejected by connect hook", zap.Error(err))
			c.close()
			return fmt.Errorf("server: connect hook: %w", err)
		}
	}
	return c.serve()
}

// open registers a new connection and its session scope.
func (s *Server) open(ctx context.Context, link transport.Link, info session.ConnInfo) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return nil, ErrServerClosed
	}
	c, err := newConn(ctx, s, link, info)
	if err != nil {
		return nil, err
	}
	s.conns[c.id] = c
	return c, nil
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// beginCall reserves a slot for one handler goroutine. It fails once
// shutdown has started, so inflight.Wait never races a new Add.
func (s *Server) beginCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Advertise registers the server in the configured registry. It is a no-op
// without a registry or advertise address.
func (s *Server) Advertise(ctx context.Context) error {
	if s.opts.Registry == nil || s.opts.AdvertiseAddr == "" {
		return nil
	}
	inst := registry.ServiceInstance{
		Addr:      s.opts.AdvertiseAddr,
		Weight:    s.opts.Weight,
		ChunkSize: s.opts.ChunkSize,
	}
	if err := s.opts.Registry.Register(ctx, s.opts.Service, inst, s.opts.TTL); err != nil {
		return err
	}
	s.advertised.Store(true)
	s.logger.Info("advertised", zap.String("service", s.opts.Service), zap.String("addr", s.opts.AdvertiseAddr))
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop routing to this server)
//  2. Set shutdown flag and close listeners (stop accepting new connections)
//  3. Wait for in-flight handlers to finish, bounded by ctx. This includes
//     handlers a timeout middleware already answered for.
//  4. Close every connection, cancelling whatever is still pending
//
// Calls that complete after step 2 on already open connections are not
// dispatched.
func (s *Server) Shutdown(ctx context.Context) error {
	// Step 1: Deregister FIRST so clients stop sending new requests
	var errs []error
	if s.advertised.Load() {
		if err := s.opts.Registry.Deregister(ctx, s.opts.Service, s.opts.AdvertiseAddr); err != nil {
			errs = append(errs, fmt.Errorf("server: deregister: %w", err))
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listeners, so Serve returns nil
	s.mu.Lock()
	s.shutdown.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	clear(s.listeners)
	s.mu.Unlock()

	// Step 3: Wait for in-flight handlers with the caller's deadline
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: waiting for in-flight calls: %w", ctx.Err()))
	}

	// Step 4: Close connections
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	s.cancel()

	s.logger.Info("server stopped", zap.Int("connections_closed", len(conns)))
	return errors.Join(errs...)
}
