// Package api is the HTTP shell over the engine: a gin router exposing the
// session operations as REST endpoints plus SSE and WebSocket event streams.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/engine"
)

// Server hosts the HTTP API over one engine instance.
type Server struct {
	engine *engine.Engine
	cfg    *config.HTTPConfig
	logger *slog.Logger
}

// NewServer builds the API server around the given engine.
func NewServer(eng *engine.Engine, cfg *config.HTTPConfig) *Server {
	return &Server{
		engine: eng,
		cfg:    cfg,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions/:id", s.getSession)
		v1.GET("/sessions/:id/events", s.streamEvents)
		v1.GET("/sessions/:id/report", s.getReport)
		v1.GET("/sessions/:id/files/*path", s.getFile)
		v1.POST("/sessions/:id/cancel", s.cancelSession)
		v1.GET("/ws/sessions/:id", s.streamWebSocket)
	}
	return r
}

// Run serves the API until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.ShutdownTimeoutSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server", "timeout", timeout)
	return srv.Shutdown(shutdownCtx)
}
