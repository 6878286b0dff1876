// Package server exposes the admin surface an external supervisor polls:
// liveness, sync status, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
	syncsvc "github.com/truthforge/forge/internal/sync"
)

type Config struct {
	Coordinator *syncsvc.Coordinator
	Metrics     *metrics.Metrics // nil when metrics are disabled
	Log         *logger.Logger
}

type Server struct {
	cfg    Config
	engine *gin.Engine
	srv    *http.Server
	log    *logger.Logger
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, log: cfg.Log.With("service", "AdminServer")}
	s.engine = s.router()
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)
	r.GET("/metrics", gin.WrapH(s.cfg.Metrics.Handler()))
	return r
}

func (s *Server) healthz(c *gin.Context) {
	if s.cfg.Coordinator != nil && !s.cfg.Coordinator.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// status answers the supervisor's overview, or the change-log view of one
// entity when kind and id are supplied.
func (s *Server) status(c *gin.Context) {
	if s.cfg.Coordinator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync core not configured"})
		return
	}
	kind := c.Query("kind")
	id := c.Query("id")
	if kind == "" || id == "" {
		c.JSON(http.StatusOK, s.cfg.Coordinator.Overview())
		return
	}
	st, err := s.cfg.Coordinator.Status(c.Request.Context(), kind, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Start serves until ctx is cancelled, then shuts down with a short grace
// period. Blocks.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	s.log.Info("admin server listening", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }
