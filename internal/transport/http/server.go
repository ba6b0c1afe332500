// Package http serves the operator status surface: health, combined status
// and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vigil/internal/lifecycle"
	"vigil/internal/logger"
	"vigil/internal/recon"
	"vigil/internal/state"
	"vigil/internal/watchdog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes read-only runtime introspection over HTTP.
type Server struct {
	listen string
	srv    *http.Server
}

// New builds the server. Any nil component simply drops out of /status.
func New(listen string, mgr *state.Manager, dog *watchdog.Watchdog,
	engine *recon.Engine, tracker *lifecycle.Tracker, reg *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		health := dog.Health()
		code := http.StatusOK
		if health == watchdog.Critical {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"health": health})
	})

	router.GET("/status", func(c *gin.Context) {
		resp := gin.H{}
		if mgr != nil {
			resp["state"] = mgr.Snapshot()
			resp["recovery"] = mgr.Store().RecoveryStatus()
		}
		if dog != nil {
			resp["watchdog"] = dog.Status()
		}
		if engine != nil {
			resp["reconciliation"] = engine.Status()
		}
		if tracker != nil {
			resp["lifecycle"] = tracker.Summary()
		}
		c.JSON(http.StatusOK, resp)
	})

	if reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	return &Server{
		listen: listen,
		srv: &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http: listening on %s", s.listen)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
