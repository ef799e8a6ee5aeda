// Package adminhttp is the administrative HTTP surface: health,
// readiness, Prometheus scrape endpoint, and a read-only collection
// listing, served by gin the way bunbase's own admin surfaces are.
package adminhttp

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/reactivedoc/internal/storage"
)

// Server wraps a gin engine bound to the configured admin address.
type Server struct {
	engine  *gin.Engine
	adapter storage.Adapter
	http    *http.Server
}

func New(addr string, adapter storage.Adapter) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, adapter: adapter}
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/readyz", s.handleReady)
	engine.GET("/collections", s.handleCollections)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{Addr: addr, Handler: engine}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if _, err := s.adapter.HighestSequence(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleCollections(c *gin.Context) {
	stats, err := s.adapter.ListCollections(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListenAndServe blocks serving admin HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
