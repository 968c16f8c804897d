package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/usecase"
	"go.uber.org/zap"
)

// Options tunes the control API.
type Options struct {
	Port              int
	RequestsPerSecond float64
	Burst             int
	// Modes lists the session modes Start accepts; DefaultMode is used
	// when the request names none.
	Modes       []string
	DefaultMode string
}

type Server struct {
	router      *gin.Engine
	server      *http.Server
	controller  *usecase.Controller
	store       domain.StateStore
	limiter     *ipLimiter
	modes       map[string]bool
	defaultMode string
	logger      *zap.Logger
}

func NewServer(opts Options, controller *usecase.Controller, store domain.StateStore, logger *zap.Logger) *Server {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if len(opts.Modes) == 0 {
		opts.Modes = []string{"demo", "live"}
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = "demo"
	}

	s := &Server{
		router:      gin.New(),
		controller:  controller,
		store:       store,
		limiter:     newIPLimiter(opts.RequestsPerSecond, opts.Burst),
		modes:       make(map[string]bool, len(opts.Modes)),
		defaultMode: opts.DefaultMode,
		logger:      logger.With(zap.String("component", "web")),
	}
	for _, m := range opts.Modes {
		s.modes[m] = true
	}

	s.router.Use(gin.Recovery())
	s.router.Use(requestID())
	s.router.Use(requestLogger(s.logger))
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.Use(s.limiter.middleware())
	{
		api.GET("/health", s.handleHealth)

		bot := api.Group("/bot")
		bot.POST("/start", s.handleStart)
		bot.GET("/sessions", s.handleSessions)
		bot.POST("/:id/stop", s.withSession(s.handleStop))
		bot.GET("/:id/status", s.withSession(s.handleStatus))
		bot.GET("/:id/performance", s.withSession(s.handlePerformance))
		bot.GET("/:id/health", s.withSession(s.handleSessionHealth))
		bot.POST("/:id/emergency-stop", s.withSession(s.handleEmergencyStop))
		bot.POST("/:id/trend", s.withSession(s.handleTrend))

		api.GET("/trades", s.handleTrades)
		api.GET("/performance/history", s.handlePerformanceHistory)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
