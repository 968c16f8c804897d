package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"go.uber.org/zap"
)

// BotFactory builds a fresh, stopped bot for a trading mode ("demo" or "live").
type BotFactory func(mode string) (*TradingBot, error)

// Session is the handle an operator uses to address one bot run.
type Session struct {
	ID        string      `json:"id"`
	Mode      string      `json:"mode"`
	StartedAt time.Time   `json:"started_at"`
	Bot       *TradingBot `json:"-"`
}

// Controller owns bot sessions. At most one session trades at a time.
type Controller struct {
	factory BotFactory
	logger  *zap.Logger

	// startMu serialises Start so two requests cannot both pass the check.
	startMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*Session
	latest   *Session
}

func NewController(factory BotFactory, logger *zap.Logger) *Controller {
	return &Controller{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (c *Controller) Start(ctx context.Context, mode string) (*Session, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if cur, ok := c.Latest(); ok {
		switch cur.Bot.State() {
		case StateRunning, StateStarting, StateStopping:
			return nil, fmt.Errorf("session %s: %w", cur.ID, domain.ErrAlreadyRunning)
		}
	}

	bot, err := c.factory(mode)
	if err != nil {
		return nil, fmt.Errorf("build bot: %w", err)
	}
	if err := bot.Start(ctx); err != nil {
		return nil, err
	}

	s := &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now(),
		Bot:       bot,
	}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.latest = s
	c.mu.Unlock()

	c.logger.Info("Session started", zap.String("session_id", s.ID), zap.String("mode", mode))
	return s, nil
}

func (c *Controller) Get(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Controller) Latest() (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.latest != nil
}

// Sessions lists all sessions, newest first.
func (c *Controller) Sessions() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// StopAll stops every session that is still trading.
func (c *Controller) StopAll(ctx context.Context) {
	for _, s := range c.Sessions() {
		if s.Bot.State() == StateStopped {
			continue
		}
		if err := s.Bot.Stop(ctx); err != nil {
			c.logger.Warn("Failed to stop session", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}
