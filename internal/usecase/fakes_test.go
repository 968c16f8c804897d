package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
)

var errFake = fmt.Errorf("fake outage: %w", domain.ErrUnavailable)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// MockExchange is an in-memory exchange. Limit orders rest until filled
// with Fill; market orders fill at once unless MarketRests is set.
type MockExchange struct {
	mu sync.Mutex

	Price     decimal.Decimal
	Balance   domain.Balance
	Positions []domain.Position
	Open      map[string]domain.OpenOrder

	Placed    []domain.OrderRequest
	Cancelled []string
	Connected bool

	MarketRests bool

	ConnectErr   error
	PriceErr     error
	OpenErr      error
	BalanceErr   error
	PositionsErr error
	PlaceErr     error
	CancelErr    error
	LeverageErr  error

	// FailPlaces rejects the next n placements.
	FailPlaces int
	// PanicOnOpen panics on the next n GetOpenOrders calls.
	PanicOnOpen int
	// PriceHook, when set, can fail the n-th (1-based) price request.
	PriceHook func(n int) error

	priceCalls  int
	nextID      int
	disconnects int
}

func NewMockExchange(price string) *MockExchange {
	return &MockExchange{
		Price: d(price),
		Balance: domain.Balance{
			WalletBalance: d("1000"),
			Equity:        d("1000"),
		},
		Open: make(map[string]domain.OpenOrder),
	}
}

func (m *MockExchange) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.Connected = true
	return nil
}

func (m *MockExchange) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connected = false
	m.disconnects++
	return nil
}

func (m *MockExchange) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

func (m *MockExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceCalls++
	if m.PriceHook != nil {
		if err := m.PriceHook(m.priceCalls); err != nil {
			return decimal.Zero, err
		}
	}
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	return m.Price, nil
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	if m.PanicOnOpen > 0 {
		m.PanicOnOpen--
		m.mu.Unlock()
		panic("mock exchange exploded")
	}
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	out := make([]domain.OpenOrder, 0, len(m.Open))
	for _, o := range m.Open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *MockExchange) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]domain.Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockExchange) GetBalance(ctx context.Context) (*domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	b := m.Balance
	return &b, nil
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	if m.FailPlaces > 0 {
		m.FailPlaces--
		return "", errors.New("order rejected")
	}
	m.nextID++
	id := fmt.Sprintf("ord-%03d", m.nextID)
	m.Placed = append(m.Placed, req)
	if req.Type == domain.OrderTypeLimit || m.MarketRests {
		m.Open[id] = domain.OpenOrder{OrderID: id, Symbol: req.Symbol, Side: req.Side, Price: req.Price, Qty: req.Qty}
	}
	return id, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	delete(m.Open, orderID)
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.LeverageErr
}

// Fill removes resting orders, which the engines read as fills.
func (m *MockExchange) Fill(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.Open, id)
	}
}

func (m *MockExchange) AddOpen(o domain.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Open[o.OrderID] = o
}

func (m *MockExchange) SetPrice(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Price = d(p)
}

func (m *MockExchange) SetWallet(balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balance.WalletBalance = d(balance)
	m.Balance.Equity = d(balance)
}

func (m *MockExchange) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Open)
}

func (m *MockExchange) PlacedOrders() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OrderRequest, len(m.Placed))
	copy(out, m.Placed)
	return out
}

func (m *MockExchange) CancelledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Cancelled)
}

func (m *MockExchange) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

func (m *MockExchange) set(fn func(m *MockExchange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// fakeClock hands out tickers that only fire on Tick.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Tick advances time and fires every live ticker.
func (c *fakeClock) Tick(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	now := c.now
	tickers := append([]*fakeTicker(nil), c.tickers...)
	c.mu.Unlock()
	for _, t := range tickers {
		t.fire(now)
	}
}

type fakeTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu          sync.Mutex
	trades      map[string]*domain.TradeRecord
	state       map[string]string
	performance []*domain.PerformanceSample
	ladders     map[string][]domain.Level
	cleanups    int
}

func newMemStore() *memStore {
	return &memStore{
		trades:  make(map[string]*domain.TradeRecord),
		state:   make(map[string]string),
		ladders: make(map[string][]domain.Level),
	}
}

func (s *memStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades[t.OrderID] = &cp
	return nil
}

func (s *memStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TradeRecord
	for _, t := range s.trades {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) SaveBotState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return nil
}

func (s *memStore) GetBotState(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[key], nil
}

func (s *memStore) SavePerformance(ctx context.Context, p *domain.PerformanceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.performance = append(s.performance, p)
	return nil
}

func (s *memStore) ListPerformance(ctx context.Context, limit int) ([]*domain.PerformanceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.PerformanceSample(nil), s.performance...), nil
}

func (s *memStore) SaveLadder(ctx context.Context, ladder string, levels []domain.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ladders[ladder] = levels
	return nil
}

func (s *memStore) ListLadder(ctx context.Context, ladder string) ([]domain.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ladders[ladder], nil
}

func (s *memStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return nil
}

func (s *memStore) trade(id string) (*domain.TradeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	return t, ok
}

func (s *memStore) performanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.performance)
}
