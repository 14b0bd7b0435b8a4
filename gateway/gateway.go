// Package gateway mounts a vizrpc server on HTTP: the WebSocket endpoint the
// front-end connects to, a health probe, and the prometheus scrape endpoint.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vizrpc/config"
	"vizrpc/server"
)

type Gateway struct {
	engine *gin.Engine
	srv    *server.Server
	logger *zap.Logger
	http   *http.Server
}

// New builds the HTTP routes for srv:
//
//	GET <cfg.Path>  WebSocket upgrade → srv
//	GET /healthz    liveness and connection count
//	GET /metrics    prometheus
func New(cfg config.Config, srv *server.Server, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if c, ok := corsConfig(cfg.CorsOrigins); ok {
		r.Use(cors.New(c))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g := &Gateway{engine: r, srv: srv, logger: logger}

	r.GET(cfg.Path, gin.WrapH(srv))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": srv.ConnCount(),
			"sessions":    srv.Sessions().Len(),
			"chunk_size":  srv.ChunkSize(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return g
}

// corsConfig turns the origin allow-list into a cors config. An empty list
// disables the middleware; "*" allows every origin.
func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	c := cors.Config{
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c, true
		}
	}
	c.AllowOrigins = origins
	return c, true
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		)
	}
}

// Handler returns the routed engine, for tests and custom servers.
func (g *Gateway) Handler() http.Handler { return g.engine }

// ListenAndServe serves HTTP on addr until Shutdown.
func (g *Gateway) ListenAndServe(addr string) error {
	g.http = &http.Server{Addr: addr, Handler: g.engine, ReadHeaderTimeout: 10 * time.Second}
	g.logger.Info("serving http", zap.String("addr", addr))
	if err := g.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener. Upgraded WebSocket connections are
// hijacked and belong to the rpc server; shut that down separately.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.http == nil {
		return nil
	}
	return g.http.Shutdown(ctx)
}
