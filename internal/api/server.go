package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/monitor"
	"github.com/t77yq/alert-dispatch/internal/scheduler"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// JobLister exposes background job status
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// Config holds HTTP server settings
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	Release         bool
}

// Server is the HTTP API in front of the alert manager
type Server struct {
	logger     *zap.Logger
	manager    *monitor.AlertManager
	jobs       JobLister
	health     map[string]HealthCheck
	config     Config
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router. jobs may be nil.
func NewServer(logger *zap.Logger, manager *monitor.AlertManager, jobs JobLister, health map[string]HealthCheck, cfg Config) *Server {
	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		logger:  logger.Named("api"),
		manager: manager,
		jobs:    jobs,
		health:  health,
		config:  cfg,
		router:  gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(MetricsMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")

	v1.POST("/alerts", s.fireAlert)
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/alerts/stats", s.alertStats)
	v1.GET("/alerts/:id", s.getAlert)
	v1.GET("/alerts/:id/acknowledgements", s.listAcknowledgements)
	v1.POST("/alerts/:id/acknowledge", s.acknowledgeAlert)
	v1.POST("/alerts/:id/resolve", s.resolveAlert)

	v1.GET("/silences", s.listSilences)
	v1.POST("/silences", s.createSilence)
	v1.DELETE("/silences/:id", s.expireSilence)

	v1.GET("/maintenance-windows", s.listWindows)
	v1.POST("/maintenance-windows", s.createWindow)
	v1.GET("/maintenance-windows/:id", s.getWindow)
	v1.PUT("/maintenance-windows/:id", s.updateWindow)
	v1.DELETE("/maintenance-windows/:id", s.deleteWindow)

	v1.GET("/channels", s.listChannels)
	v1.POST("/channels", s.createChannel)
	v1.GET("/channels/:id", s.getChannel)
	v1.PUT("/channels/:id", s.updateChannel)
	v1.DELETE("/channels/:id", s.deleteChannel)
	v1.POST("/channels/:id/test", s.testChannel)

	v1.GET("/escalation-policies", s.listPolicies)
	v1.POST("/escalation-policies", s.createPolicy)
	v1.GET("/escalation-policies/:id", s.getPolicy)
	v1.DELETE("/escalation-policies/:id", s.deletePolicy)

	v1.GET("/notifications", s.listNotifications)
	v1.POST("/notifications/retry", s.retryNotifications)

	v1.GET("/jobs", s.listJobs)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("addr", s.config.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, check := range s.health {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func (s *Server) listJobs(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []scheduler.JobStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.Jobs()})
}
