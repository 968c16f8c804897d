package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/usecase"
	"go.uber.org/zap"
)

const (
	sessionKey   = "session"
	latestID     = "latest"
	defaultLimit = 100
	maxLimit     = 1000

	// Bounds start/stop/emergency work once it is detached from the request.
	lifecycleTimeout = 60 * time.Second
)

type startRequest struct {
	Mode string `json:"mode"`
}

type emergencyRequest struct {
	Confirm bool `json:"confirm"`
}

type trendRequest struct {
	Trend string `json:"trend" binding:"required"`
}

type sessionView struct {
	*usecase.Session
	State usecase.BotState `json:"state"`
}

func viewOf(s *usecase.Session) sessionView {
	return sessionView{Session: s, State: s.Bot.State()}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *domain.ConfigError
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrKillSwitchActive):
		return http.StatusConflict
	case errors.Is(err, usecase.ErrCommandQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusBadGateway
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// withSession resolves :id (or "latest") before calling next.
func (s *Server) withSession(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var (
			sess *usecase.Session
			ok   bool
		)
		if id == latestID {
			sess, ok = s.controller.Latest()
		} else {
			sess, ok = s.controller.Get(id)
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found: " + id})
			return
		}
		c.Set(sessionKey, sess)
		next(c)
	}
}

func session(c *gin.Context) *usecase.Session {
	return c.MustGet(sessionKey).(*usecase.Session)
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

// lifecycleContext detaches order placement and cleanup from the client
// connection: a dropped request must not abort a half-done stop.
func lifecycleContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), lifecycleTimeout)
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
	}
	if req.Mode == "" {
		req.Mode = s.defaultMode
	}
	if !s.modes[req.Mode] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode: " + req.Mode})
		return
	}

	ctx, cancel := lifecycleContext(c)
	defer cancel()
	sess, err := s.controller.Start(ctx, req.Mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(sess))
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.controller.Sessions()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, viewOf(sess))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStop(c *gin.Context) {
	sess := session(c)
	ctx, cancel := lifecycleContext(c)
	defer cancel()
	if err := sess.Bot.Stop(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleStatus(c *gin.Context) {
	sess := session(c)
	c.JSON(http.StatusOK, gin.H{
		"session": viewOf(sess),
		"status":  sess.Bot.Status(),
	})
}

func (s *Server) handlePerformance(c *gin.Context) {
	c.JSON(http.StatusOK, session(c).Bot.Performance())
}

func (s *Server) handleSessionHealth(c *gin.Context) {
	c.JSON(http.StatusOK, session(c).Bot.Health())
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
		c.JSON(http.StatusBadRequest, gin.H{"error": `emergency stop requires {"confirm": true}`})
		return
	}
	sess := session(c)
	s.logger.Warn("Emergency stop via API", zap.String("session_id", sess.ID))
	ctx, cancel := lifecycleContext(c)
	defer cancel()
	if err := sess.Bot.EmergencyStop(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":     viewOf(sess),
		"kill_switch": sess.Bot.Risk().KillSwitchActive(),
	})
}

func (s *Server) handleTrend(c *gin.Context) {
	var req trendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if err := session(c).Bot.SetTrend(domain.Trend(req.Trend)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"trend": req.Trend, "queued": true})
}

// handleHealth reports process liveness plus the latest session's health.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if sess, ok := s.controller.Latest(); ok {
		resp["session_id"] = sess.ID
		resp["bot"] = sess.Bot.Health()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	trades, err := s.store.ListTrades(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeView(t))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePerformanceHistory(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	samples, err := s.store.ListPerformance(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]performanceView, 0, len(samples))
	for _, p := range samples {
		out = append(out, newPerformanceView(p))
	}
	c.JSON(http.StatusOK, out)
}
