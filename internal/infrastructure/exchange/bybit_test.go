package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	testKey    = "key"
	testSecret = "secret"
)

// fakeBybit serves canned v5 responses and checks request signatures.
type fakeBybit struct {
	mu       sync.Mutex
	bodies   map[string]map[string]interface{}
	hits     map[string]int
	status   int
	retCode  int
	badSigns int
	// paged splits open orders over two cursor pages.
	paged   bool
	cursors []string
}

func newFakeBybit(t *testing.T) (*fakeBybit, *httptest.Server) {
	f := &fakeBybit{bodies: map[string]map[string]interface{}{}, hits: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBybit) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.URL.Path]++

	payload := r.URL.RawQuery
	if r.Method == http.MethodPost {
		raw, _ := io.ReadAll(r.Body)
		payload = string(raw)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		f.bodies[r.URL.Path] = body
	}
	ts, _ := strconv.ParseInt(r.Header.Get("X-BAPI-TIMESTAMP"), 10, 64)
	signer := &BybitAdapter{cfg: Config{APIKey: testKey, APISecret: testSecret}}
	if r.Header.Get("X-BAPI-SIGN") != signer.sign(payload, ts) || r.Header.Get("X-BAPI-API-KEY") != testKey {
		f.badSigns++
	}

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if f.retCode != 0 {
		_, _ = w.Write([]byte(`{"retCode":` + strconv.Itoa(f.retCode) + `,"retMsg":"nope","result":{}}`))
		return
	}

	var result string
	switch r.URL.Path {
	case "/v5/market/tickers":
		result = `{"list":[{"symbol":"BTCUSDT","lastPrice":"43250.5"}]}`
	case "/v5/order/realtime":
		cursor := r.URL.Query().Get("cursor")
		f.cursors = append(f.cursors, cursor)
		switch {
		case !f.paged:
			result = `{"list":[{"orderId":"o-1","symbol":"BTCUSDT","side":"Buy","price":"42000","qty":"0.001"},
			{"orderId":"o-2","symbol":"BTCUSDT","side":"Sell","price":"44000","qty":"0.002"}],"nextPageCursor":""}`
		case cursor == "":
			result = `{"list":[{"orderId":"o-1","symbol":"BTCUSDT","side":"Buy","price":"42000","qty":"0.001"}],"nextPageCursor":"page-2"}`
		default:
			result = `{"list":[{"orderId":"o-2","symbol":"BTCUSDT","side":"Sell","price":"44000","qty":"0.002"}],"nextPageCursor":""}`
		}
	case "/v5/position/list":
		result = `{"list":[{"positionIdx":0,"symbol":"BTCUSDT","side":"Buy","size":"0.01","avgPrice":"43000",
			"markPrice":"43250","unrealisedPnl":"2.5","cumRealisedPnl":"-0.3","positionIM":"43"}]}`
	case "/v5/account/wallet-balance":
		result = `{"list":[{"totalEquity":"1200","coin":[{"coin":"BTC","walletBalance":"1","equity":"1"},
			{"coin":"USDT","walletBalance":"1000","equity":"1002.5","totalPositionIM":"43"}]}]}`
	case "/v5/order/create":
		result = `{"orderId":"new-1","orderLinkId":"x"}`
	default:
		result = `{}`
	}
	_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":` + result + `}`))
}

func newTestAdapter(url string) *BybitAdapter {
	return NewBybitAdapter(Config{
		APIKey:            testKey,
		APISecret:         testSecret,
		BaseURL:           url,
		RequestsPerSecond: 1000,
		Burst:             100,
		DisableStream:     true,
		RetryWait:         time.Millisecond,
	}, zap.NewNop())
}

func mustDec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSign(t *testing.T) {
	a := &BybitAdapter{cfg: Config{APIKey: "k", APISecret: "s"}}
	first := a.sign("category=linear", 1700000000000)
	assert.Len(t, first, 64)
	assert.Equal(t, first, a.sign("category=linear", 1700000000000))
	assert.NotEqual(t, first, a.sign("category=inverse", 1700000000000))
}

func TestBybitReads(t *testing.T) {
	f, srv := newFakeBybit(t)
	a := newTestAdapter(srv.URL)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	assert.True(t, a.IsConnected())

	price, err := a.GetCurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "43250.5", price.String())

	orders, err := a.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o-1", orders[0].OrderID)
	assert.Equal(t, domain.SideSell, orders[1].Side)
	assert.Equal(t, "0.002", orders[1].Qty.String())

	positions, err := a.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "BTCUSDT-0", p.PositionID)
	assert.Equal(t, domain.SideBuy, p.Side)
	assert.Equal(t, "0.01", p.Size.String())
	assert.Equal(t, "-0.3", p.RealizedPnL.String())
	assert.Equal(t, "43", p.InitialMargin.String())

	bal, err := a.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.WalletBalance.String())
	assert.Equal(t, "1002.5", bal.Equity.String())

	// The price is cached, so a second read does not hit REST.
	_, err = a.GetCurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.hits["/v5/market/tickers"])
	assert.Zero(t, f.badSigns)

	require.NoError(t, a.Disconnect())
	assert.False(t, a.IsConnected())
}

func TestBybitOpenOrdersFollowsCursor(t *testing.T) {
	f, srv := newFakeBybit(t)
	f.paged = true
	a := newTestAdapter(srv.URL)

	orders, err := a.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o-1", orders[0].OrderID)
	assert.Equal(t, "o-2", orders[1].OrderID)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"", "page-2"}, f.cursors)
	assert.Zero(t, f.badSigns)
}

func TestBybitPlaceOrder(t *testing.T) {
	f, srv := newFakeBybit(t)
	a := newTestAdapter(srv.URL)

	id, err := a.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.SideSell,
		Type:       domain.OrderTypeLimit,
		Qty:        mustDec("0.001"),
		Price:      mustDec("44000.5"),
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "new-1", id)

	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.bodies["/v5/order/create"]
	assert.Equal(t, "linear", body["category"])
	assert.Equal(t, "Sell", body["side"])
	assert.Equal(t, "Limit", body["orderType"])
	assert.Equal(t, "0.001", body["qty"])
	assert.Equal(t, "44000.5", body["price"])
	assert.Equal(t, "GTC", body["timeInForce"])
	assert.Equal(t, true, body["reduceOnly"])
	assert.NotEmpty(t, body["orderLinkId"])
	assert.Zero(t, f.badSigns)
}

func TestBybitMarketOrderOmitsPrice(t *testing.T) {
	f, srv := newFakeBybit(t)
	a := newTestAdapter(srv.URL)

	_, err := a.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
		Qty:           mustDec("0.002"),
		ClientOrderID: "link-7",
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.bodies["/v5/order/create"]
	_, hasPrice := body["price"]
	assert.False(t, hasPrice)
	assert.Equal(t, "link-7", body["orderLinkId"])
	_, reduce := body["reduceOnly"]
	assert.False(t, reduce)
}

func TestBybitErrors(t *testing.T) {
	f, srv := newFakeBybit(t)
	a := newTestAdapter(srv.URL)
	ctx := context.Background()

	f.mu.Lock()
	f.retCode = 10001
	f.mu.Unlock()
	err := a.CancelOrder(ctx, "BTCUSDT", "o-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 10001, apiErr.Code)

	f.mu.Lock()
	f.retCode = retLeverageNotModified
	f.mu.Unlock()
	assert.NoError(t, a.SetLeverage(ctx, "BTCUSDT", 10))

	f.mu.Lock()
	f.retCode = 0
	f.status = http.StatusBadGateway
	f.mu.Unlock()
	_, err = a.GetOpenOrders(ctx, "BTCUSDT")
	assert.True(t, errors.Is(err, domain.ErrUnavailable), "got %v", err)

	err = a.Connect(ctx)
	assert.Error(t, err)
	assert.False(t, a.IsConnected())
}

func TestBybitTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := newTestAdapter(url)
	_, err := a.GetBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestTickerStreamFeedsPriceCache(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 1)
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Args
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","data":{"symbol":"BTCUSDT","lastPrice":"50000.1"}}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","type":"delta","data":{"symbol":"BTCUSDT","bid1Price":"49999"}}`))
		// Hold the connection until the client leaves.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	f, rest := newFakeBybit(t)
	a := NewBybitAdapter(Config{
		APIKey:            testKey,
		APISecret:         testSecret,
		BaseURL:           rest.URL,
		WSURL:             "ws" + strings.TrimPrefix(ws.URL, "http"),
		RequestsPerSecond: 1000,
		Burst:             100,
		PriceMaxAge:       time.Minute,
		RetryWait:         time.Millisecond,
	}, zap.NewNop())
	a.WatchSymbols("BTCUSDT")

	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	assert.Equal(t, []string{"tickers.BTCUSDT"}, <-subscribed)
	require.Eventually(t, func() bool {
		a.priceMu.RLock()
		defer a.priceMu.RUnlock()
		_, ok := a.prices["BTCUSDT"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	price, err := a.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50000.1", price.String())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Zero(t, f.hits["/v5/market/tickers"])
}
