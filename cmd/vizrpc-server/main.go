// Command vizrpc-server serves the built-in method table to visualization
// front-ends over WebSocket (and optionally framed TCP).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vizrpc/config"
	"vizrpc/gateway"
	"vizrpc/middleware"
	"vizrpc/observability"
	"vizrpc/registry"
	"vizrpc/router"
	"vizrpc/server"
	"vizrpc/session"
)

func main() {
	opts, err := ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config:", err)
			return 1
		}
		cfg = loaded
	}
	if opts.hostSet {
		cfg.Host = opts.Host
	}
	if opts.portSet {
		cfg.Port = opts.Port
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Log, opts.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to setup logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("vizrpc-server starting", zap.String("addr", cfg.Addr()), zap.String("path", cfg.Path))
	logger.Debug("effective configuration", zap.Any("config", cfg))

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	gw := gateway.New(cfg, srv, logger)
	go func() { errc <- gw.ListenAndServe(cfg.Addr()) }()
	if cfg.TCPAddr != "" {
		go func() { errc <- srv.ListenAndServe(cfg.TCPAddr) }()
	}

	if err := srv.Advertise(ctx); err != nil {
		logger.Error("failed to advertise", zap.Error(err))
		return 1
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		if err != nil {
			logger.Error("listener failed", zap.Error(err))
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", zap.Error(err))
	}
	return code
}

// newServer wires router, middleware, hooks and registry from cfg.
func newServer(cfg config.Config, logger *zap.Logger) (*server.Server, error) {
	r := router.New(router.WithLogger(logger))
	if err := r.RegisterAll(builtinMethods(time.Now())); err != nil {
		return nil, err
	}

	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(),
		middleware.TracingMiddleware(nil),
	}
	if cfg.RateLimit.RPS > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	if cfg.HandlerTimeout.Duration > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout.Duration))
	}
	for _, mw := range mws {
		if err := r.Use(mw); err != nil {
			return nil, err
		}
	}

	opts, err := server.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.OnConnect = func(ctx context.Context, sc *session.Scope) error {
		logger.Debug("client connected", zap.String("conn", sc.ConnectionID()), zap.String("remote", sc.Session().RemoteAddr()))
		return nil
	}
	opts.OnDisconnect = func(ctx context.Context, connID string) {
		logger.Debug("client disconnected", zap.String("conn", connID))
	}

	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints)
		if err != nil {
			return nil, fmt.Errorf("etcd registry: %w", err)
		}
		opts.Registry = reg
	}
	return server.New(r, opts), nil
}
