package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BybitLiveURL = "https://api.bybit.com"
	BybitDemoURL = "https://api-demo.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	category   = "linear"
	recvWindow = 5000
	settleCoin = "USDT"

	// retCode for set-leverage when the value is unchanged
	retLeverageNotModified = 110043
)

// BaseURLForMode picks the REST host for demo or live trading.
func BaseURLForMode(demo bool) string {
	if demo {
		return BybitDemoURL
	}
	return BybitLiveURL
}

type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
	Timeout   time.Duration

	// client-side request budget
	RequestsPerSecond float64
	Burst             int

	// GetCurrentPrice answers from the stream cache while it is younger than this.
	PriceMaxAge   time.Duration
	DisableStream bool

	// base backoff between GET retries
	RetryWait time.Duration
}

// APIError is a non-zero retCode returned by Bybit.
type APIError struct {
	Path string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s: retCode=%d retMsg=%s", e.Path, e.Code, e.Msg)
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// BybitAdapter implements domain.Exchange against the Bybit v5 API for
// linear perpetuals.
type BybitAdapter struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	connected bool
	wsConn    *websocket.Conn
	wsDone    chan struct{}
	symbols   []string

	priceMu sync.RWMutex
	prices  map[string]cachedPrice
}

func NewBybitAdapter(cfg Config, logger *zap.Logger) *BybitAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitLiveURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = BybitWSURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(6 * cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are retried; order placement is never replayed.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &BybitAdapter{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With(zap.String("component", "bybit")),
		prices:  make(map[string]cachedPrice),
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(payload string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + payload
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.cfg.APIKey, recvWindow, payload)
	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// do sends a signed request and decodes the result object into out.
// Transport failures and 5xx/429 responses wrap domain.ErrUnavailable.
func (b *BybitAdapter) do(ctx context.Context, method, path string, query url.Values, payload map[string]interface{}, out interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	timestamp := time.Now().UnixMilli()
	req := b.client.R().SetContext(ctx)

	var signPayload string
	if method == http.MethodGet {
		signPayload = query.Encode()
		if signPayload != "" {
			req.SetQueryString(signPayload)
		}
	} else {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		signPayload = string(body)
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	req.SetHeader("X-BAPI-API-KEY", b.cfg.APIKey).
		SetHeader("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10)).
		SetHeader("X-BAPI-SIGN", b.sign(signPayload, timestamp)).
		SetHeader("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, domain.ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return fmt.Errorf("%s %s: %w: http %d", method, path, domain.ErrUnavailable, resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode(), resp.String())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return &APIError{Path: path, Code: env.RetCode, Msg: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

// parseDec reads Bybit's string numbers; empty means zero.
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// Connect verifies credentials with a wallet-balance probe and starts the
// ticker stream. A stream failure is logged; prices then come from REST.
func (b *BybitAdapter) Connect(ctx context.Context) error {
	if _, err := b.GetBalance(ctx); err != nil {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		return fmt.Errorf("bybit connect: %w", err)
	}
	b.mu.Lock()
	b.connected = true
	symbols := append([]string(nil), b.symbols...)
	b.mu.Unlock()

	b.logger.Info("Connected to Bybit", zap.String("base_url", b.cfg.BaseURL))

	if !b.cfg.DisableStream && len(symbols) > 0 {
		if err := b.ConnectWS(symbols); err != nil {
			b.logger.Warn("Ticker stream unavailable, using REST prices", zap.Error(err))
		}
	}
	return nil
}

// WatchSymbols registers symbols for the ticker stream opened by Connect.
func (b *BybitAdapter) WatchSymbols(symbols ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbols = append(b.symbols, symbols...)
}

func (b *BybitAdapter) Disconnect() error {
	b.mu.Lock()
	conn := b.wsConn
	b.wsConn = nil
	b.connected = false
	b.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (b *BybitAdapter) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *BybitAdapter) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.priceMu.RLock()
	cached, ok := b.prices[symbol]
	b.priceMu.RUnlock()
	if ok && time.Since(cached.at) <= b.cfg.PriceMaxAge {
		return cached.price, nil
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	q := url.Values{"category": {category}, "symbol": {symbol}}
	if err := b.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("ticker %s: %w: symbol not found", symbol, domain.ErrUnavailable)
	}
	price := parseDec(result.List[0].LastPrice)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("ticker %s: %w: bad last price %q", symbol, domain.ErrUnavailable, result.List[0].LastPrice)
	}
	b.storePrice(symbol, price)
	return price, nil
}

func (b *BybitAdapter) storePrice(symbol string, price decimal.Decimal) {
	b.priceMu.Lock()
	b.prices[symbol] = cachedPrice{price: price, at: time.Now()}
	b.priceMu.Unlock()
}

// maxOrderPages bounds cursor paging; Bybit caps resting orders per
// symbol well below maxOrderPages*50.
const maxOrderPages = 10

// GetOpenOrders follows nextPageCursor so that a tracked order never drops
// off a page and gets read as filled.
func (b *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	var orders []domain.OpenOrder
	cursor := ""
	for page := 0; page < maxOrderPages; page++ {
		var result struct {
			List []struct {
				OrderID string `json:"orderId"`
				Symbol  string `json:"symbol"`
				Side    string `json:"side"`
				Price   string `json:"price"`
				Qty     string `json:"qty"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		q := url.Values{
			"category": {category},
			"symbol":   {symbol},
			"openOnly": {"0"},
			"limit":    {"50"},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		if err := b.do(ctx, http.MethodGet, "/v5/order/realtime", q, nil, &result); err != nil {
			return nil, err
		}

		for _, o := range result.List {
			orders = append(orders, domain.OpenOrder{
				OrderID: o.OrderID,
				Symbol:  o.Symbol,
				Side:    domain.Side(o.Side),
				Price:   parseDec(o.Price),
				Qty:     parseDec(o.Qty),
			})
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			if orders == nil {
				orders = []domain.OpenOrder{}
			}
			return orders, nil
		}
		cursor = result.NextPageCursor
	}
	return nil, fmt.Errorf("open orders %s: %w: more than %d pages", symbol, domain.ErrUnavailable, maxOrderPages)
}

func (b *BybitAdapter) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	var result struct {
		List []struct {
			PositionIdx    int    `json:"positionIdx"`
			Symbol         string `json:"symbol"`
			Side           string `json:"side"`
			Size           string `json:"size"`
			AvgPrice       string `json:"avgPrice"`
			MarkPrice      string `json:"markPrice"`
			UnrealisedPnl  string `json:"unrealisedPnl"`
			CumRealisedPnl string `json:"cumRealisedPnl"`
			PositionIM     string `json:"positionIM"`
		} `json:"list"`
	}
	q := url.Values{"category": {category}, "symbol": {symbol}}
	if err := b.do(ctx, http.MethodGet, "/v5/position/list", q, nil, &result); err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(result.List))
	for _, p := range result.List {
		positions = append(positions, domain.Position{
			Symbol:        p.Symbol,
			PositionID:    fmt.Sprintf("%s-%d", p.Symbol, p.PositionIdx),
			Side:          domain.Side(p.Side),
			Size:          parseDec(p.Size),
			AvgPrice:      parseDec(p.AvgPrice),
			MarkPrice:     parseDec(p.MarkPrice),
			UnrealizedPnL: parseDec(p.UnrealisedPnl),
			RealizedPnL:   parseDec(p.CumRealisedPnl),
			InitialMargin: parseDec(p.PositionIM),
		})
	}
	return positions, nil
}

func (b *BybitAdapter) GetBalance(ctx context.Context) (*domain.Balance, error) {
	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
			Coin        []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				Equity          string `json:"equity"`
				TotalPositionIM string `json:"totalPositionIM"`
			} `json:"coin"`
		} `json:"list"`
	}
	q := url.Values{"accountType": {"UNIFIED"}}
	if err := b.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, &result); err != nil {
		return nil, err
	}

	bal := &domain.Balance{}
	if len(result.List) == 0 {
		return bal, nil
	}
	for _, c := range result.List[0].Coin {
		if c.Coin != settleCoin {
			continue
		}
		bal.WalletBalance = parseDec(c.WalletBalance)
		bal.Equity = parseDec(c.Equity)
		bal.UsedMargin = parseDec(c.TotalPositionIM)
		return bal, nil
	}
	// No USDT row: fall back to account equity.
	bal.Equity = parseDec(result.List[0].TotalEquity)
	bal.WalletBalance = bal.Equity
	return bal, nil
}

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	linkID := req.ClientOrderID
	if linkID == "" {
		linkID = uuid.NewString()
	}
	payload := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         req.Qty.String(),
		"orderLinkId": linkID,
	}
	if req.Type == domain.OrderTypeLimit {
		payload["price"] = req.Price.String()
		payload["timeInForce"] = "GTC"
	} else {
		payload["timeInForce"] = "IOC"
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.do(ctx, http.MethodPost, "/v5/order/create", nil, payload, &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", errors.New("bybit order create: empty order id")
	}

	b.logger.Info("Order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("qty", req.Qty.String()),
		zap.String("price", req.Price.String()),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("order_id", result.OrderID),
		zap.String("order_link_id", linkID))
	return result.OrderID, nil
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return b.do(ctx, http.MethodPost, "/v5/order/cancel", nil, payload, nil)
}

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	err := b.do(ctx, http.MethodPost, "/v5/position/set-leverage", nil, payload, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == retLeverageNotModified {
		return nil
	}
	return err
}

// --- WebSocket ---

// ConnectWS opens the public stream and subscribes to tickers for symbols.
func (b *BybitAdapter) ConnectWS(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn != nil {
		return b.subscribe(b.wsConn, symbols)
	}

	c, _, err := websocket.DefaultDialer.Dial(b.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.cfg.WSURL, err)
	}
	if err := b.subscribe(c, symbols); err != nil {
		c.Close()
		return err
	}
	b.wsConn = c
	b.wsDone = make(chan struct{})

	go b.readLoop(c, b.wsDone)
	go b.pingLoop(c, b.wsDone)
	return nil
}

func (b *BybitAdapter) subscribe(c *websocket.Conn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	return c.WriteJSON(subMsg)
}

type tickerEvent struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (b *BybitAdapter) readLoop(c *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		c.Close()
		b.mu.Lock()
		if b.wsConn == c {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				b.logger.Warn("Ticker stream closed", zap.Error(err))
			}
			return
		}

		var ev tickerEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Debug("Unreadable stream message", zap.Error(err))
			continue
		}
		if !strings.HasPrefix(ev.Topic, "tickers.") {
			continue
		}
		// Deltas omit unchanged fields.
		if ev.Data.LastPrice == "" {
			continue
		}
		price := parseDec(ev.Data.LastPrice)
		if !price.IsPositive() {
			continue
		}
		symbol := ev.Data.Symbol
		if symbol == "" {
			symbol = strings.TrimPrefix(ev.Topic, "tickers.")
		}
		b.storePrice(symbol, price)
	}
}

func (b *BybitAdapter) pingLoop(c *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.mu.Lock()
			err := c.WriteJSON(map[string]string{"op": "ping"})
			b.mu.Unlock()
			if err != nil {
				b.logger.Debug("Stream ping failed", zap.Error(err))
				return
			}
		}
	}
}
