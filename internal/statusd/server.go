// Package statusd serves the optional HTTP status endpoint of a relay
// process: liveness, readiness, prometheus metrics and the last run.
package statusd

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/ftprelay/internal/observability"
	"github.com/danmuck/ftprelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Server struct {
	Addr     string
	Appeared time.Time

	ledger *relay.Ledger
	router *gin.Engine
	ready  atomic.Bool
}

func New(addr string, corsOrigins []string, ledger *relay.Ledger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(log.Logger, "/health", "/ready", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	if ledger == nil {
		ledger = relay.NewLedger()
	}
	s := &Server{
		Addr:     addr,
		Appeared: time.Now(),
		ledger:   ledger,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// SetReady flips /ready; the CLI marks the server ready once the first
// session config validated.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  s.ready.Load(),
			"uptime": time.Since(s.Appeared).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/runs/last", func(c *gin.Context) {
		run, ok := s.ledger.LastRun()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run finished yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"run":    run,
			"status": run.Status(),
			"counts": run.Counts(),
		})
	})

	s.router.GET("/runs/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": s.ledger.List()})
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("statusd.Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("addr", s.Addr).Msg("statusd.Server stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
