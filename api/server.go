package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookflow/analytics"
	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/store"
)

// Server hosts the Gin-powered read API over the snapshot store and
// analytics service.
type Server struct {
	cfg        appconfig.APIConfig
	service    *analytics.Service
	store      *store.Store
	httpServer *http.Server
	log        *logger.Log
}

// NewServer constructs the API server when the feature is enabled.
// When the API is disabled the returned server is nil.
func NewServer(cfg appconfig.APIConfig, svc *analytics.Service, st *store.Store) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	return &Server{
		cfg:     cfg,
		service: svc,
		store:   st,
		log:     logger.GetLogger(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled
// or the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("api server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/v1/instruments", s.handleInstruments)

	v1 := router.Group("/api/v1/instruments/:instrument")
	v1.GET("/metrics", s.handleMetrics)
	v1.GET("/flow", s.handleFlow)
	v1.GET("/profile", s.handleProfile)
	v1.GET("/vacuums", s.handleVacuums)
	v1.GET("/anomalies", s.handleAnomalies)
	v1.GET("/health", s.handleHealth)
	v1.GET("/absorption", s.handleAbsorption)
	v1.GET("/walls", s.handleWalls)

	return router, nil
}

func (s *Server) handleInstruments(c *gin.Context) {
	instruments, err := s.store.Instruments(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruments": instruments})
}

func (s *Server) handleMetrics(c *gin.Context) {
	m, err := s.service.PointMetrics(c.Request.Context(), c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleFlow(c *gin.Context) {
	window, ok := s.windowParam(c, "30s")
	if !ok {
		return
	}
	flow, err := s.service.OrderFlow(c.Request.Context(), c.Param("instrument"), window)
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, flow)
}

func (s *Server) handleProfile(c *gin.Context) {
	hours, ok := s.hoursParam(c)
	if !ok {
		return
	}
	profile, err := s.service.VolumeProfile(c.Request.Context(), c.Param("instrument"), hours)
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, profile)
}

func (s *Server) handleVacuums(c *gin.Context) {
	hours, ok := s.hoursParam(c)
	if !ok {
		return
	}
	vacuums, err := s.service.LiquidityVacuums(c.Request.Context(), c.Param("instrument"), hours)
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, gin.H{"vacuums": vacuums})
}

func (s *Server) handleAnomalies(c *gin.Context) {
	window, ok := s.windowParam(c, "60s")
	if !ok {
		return
	}
	anomalies, err := s.service.DetectAnomalies(c.Request.Context(), c.Param("instrument"), window)
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

func (s *Server) handleHealth(c *gin.Context) {
	health, err := s.service.HealthScore(c.Request.Context(), c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleAbsorption(c *gin.Context) {
	window, ok := s.windowParam(c, "60s")
	if !ok {
		return
	}
	events, err := s.service.DetectAbsorption(c.Request.Context(), c.Param("instrument"), window)
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleWalls(c *gin.Context) {
	walls, err := s.service.OrderWalls(c.Request.Context(), c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	logger.IncrementAnalyticsRead(1)
	c.JSON(http.StatusOK, gin.H{"walls": walls})
}

func (s *Server) windowParam(c *gin.Context, fallback string) (time.Duration, bool) {
	raw := c.DefaultQuery("window", fallback)
	window, err := time.ParseDuration(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window: " + raw})
		return 0, false
	}
	return window, true
}

func (s *Server) hoursParam(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("hours", "24")
	hours, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours: " + raw})
		return 0, false
	}
	return hours, true
}

// fail maps service errors to HTTP statuses: missing history is 404,
// bad windows are 400, anything else is 500.
func (s *Server) fail(c *gin.Context, err error) {
	var insufficient *analytics.InsufficientDataError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, analytics.ErrWindowBounds):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.WithComponent("api").WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ":8080"
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	// A bare port number is accepted for convenience.
	if _, err := strconv.Atoi(address); err == nil {
		return ":" + address
	}
	return address
}
