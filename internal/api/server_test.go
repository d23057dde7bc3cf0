package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/engine"
	"github.com/primetrades/primetrades/internal/exchange/paper"
	"github.com/primetrades/primetrades/internal/journal"
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/msg"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/risk"
	"github.com/primetrades/primetrades/internal/strategy"
	"github.com/primetrades/primetrades/internal/trade"
)

// testBot runs the full stack behind the API: paper gateway, engine,
// ledger, risk gate and an idle runner.
type testBot struct {
	srv   *Server
	http  *httptest.Server
	gw    *paper.Gateway
	gate  *risk.Gate
	board *market.Board
	hc    *obs.HealthChecker
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	logger := zap.NewNop()

	gw := paper.New(paper.Config{
		Symbols:      []string{"BTCUSDT"},
		StartBalance: 10000,
	}, nil, logger)
	require.NoError(t, gw.Connect(context.Background()))
	t.Cleanup(func() { gw.Close() })

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	board := market.NewBoard()
	book := ledger.New(10000, logger)
	gate := risk.NewGate(risk.Limits{MaxPositionQty: 5, MaxExposure: 1e9}, board, logger)

	eng := engine.New(engine.Config{}, gw, book, store, gate, logger)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close() })

	feed := market.NewFeed(gw.Ticks(), []string{"BTCUSDT"}, board, logger)
	strat, err := strategy.New("manual", strategy.Params{})
	require.NoError(t, err)
	runner := strategy.NewRunner(feed, board, strat, book, gate, eng, []string{"BTCUSDT"}, logger)

	hc := obs.NewHealthChecker(logger)
	hc.SetFeedReady(true)
	hc.SetGatewayReady(true)

	srv := NewServer(Deps{
		Engine:  eng,
		Ledger:  book,
		Board:   board,
		Gate:    gate,
		Runner:  runner,
		Gateway: gw,
		Health:  hc,
	}, logger)
	go srv.hub.Run()
	t.Cleanup(srv.hub.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// The gate needs a mark before it can approve anything.
	board.Update(trade.Tick{Symbol: "BTCUSDT", Price: 100, Seq: 1, At: time.Now()})

	return &testBot{srv: srv, http: ts, gw: gw, gate: gate, board: board, hc: hc}
}

func (b *testBot) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(b.http.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func (b *testBot) post(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	resp, err := http.Post(b.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

// orderState polls without failing the test; for use inside Eventually.
func (b *testBot) orderState(clientID string) string {
	resp, err := http.Get(b.http.URL + "/api/v1/orders/" + clientID)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var o OrderInfo
	if json.NewDecoder(resp.Body).Decode(&o) != nil {
		return ""
	}
	return o.State
}

func TestStatus_ReportsRunningBot(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.get(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "paper", st.Gateway)
	assert.False(t, st.Paused)
	assert.Equal(t, 0, st.OpenOrders)
	assert.InDelta(t, 10000, st.Cash, 1e-9)
}

func TestPlaceOrder_MarketFlowToPosition(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.post(t, "/api/v1/orders", PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Qty: 0.5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)

	var placed OrderInfo
	require.NoError(t, json.Unmarshal(body, &placed))
	require.NotEmpty(t, placed.ClientID)
	assert.Equal(t, "PENDING", placed.State, "the response carries the accepted draft")

	// Paper market orders fill on the next tick; keep ticking until the
	// submit has landed and the fill comes back around.
	require.Eventually(t, func() bool {
		b.gw.Advance("BTCUSDT", 100)
		return b.orderState(placed.ClientID) == "FILLED"
	}, 2*time.Second, 10*time.Millisecond, "order must reach FILLED after the tick")

	resp, body = b.get(t, "/api/v1/positions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var positions []PositionInfo
	require.NoError(t, json.Unmarshal(body, &positions))
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.5, positions[0].Qty, 1e-9)

	resp, body = b.get(t, "/api/v1/orders")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var open []OrderInfo
	require.NoError(t, json.Unmarshal(body, &open))
	assert.Empty(t, open, "a filled order is no longer open")
}

func TestPlaceOrder_ValidationErrors(t *testing.T) {
	b := newTestBot(t)

	cases := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"bad side", PlaceOrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Qty: 1}},
		{"zero qty", PlaceOrderRequest{Symbol: "BTCUSDT", Side: "BUY", Qty: 0}},
		{"missing symbol", PlaceOrderRequest{Side: "BUY", Qty: 1}},
		{"limit without price", PlaceOrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Qty: 1}},
		{"stop without stop price", PlaceOrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "STOP", Qty: 1, Price: 90}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := b.post(t, "/api/v1/orders", tc.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestPlaceOrder_RiskViolation(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.post(t, "/api/v1/orders", PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Qty: 50, // cap is 5
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Contains(t, e.Error, "rejected by risk gate")
}

func TestCancelOrder_RestingLimit(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.post(t, "/api/v1/orders", PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Qty: 1, Price: 10, // far below market
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	var placed OrderInfo
	require.NoError(t, json.Unmarshal(body, &placed))

	resp, _ = b.post(t, "/api/v1/orders/"+placed.ClientID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return b.orderState(placed.ClientID) == "CANCELLED"
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = b.post(t, "/api/v1/orders/no-such-order/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseAndResume(t *testing.T) {
	b := newTestBot(t)

	resp, _ := b.post(t, "/api/v1/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := b.get(t, "/api/v1/status")
	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Paused)

	resp, _ = b.post(t, "/api/v1/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = b.get(t, "/api/v1/status")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.Paused)
}

func TestResumeSymbol_ClearsHalt(t *testing.T) {
	b := newTestBot(t)
	b.gate.Halt("BTCUSDT", "manual test halt")

	_, body := b.get(t, "/api/v1/status")
	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	require.Contains(t, st.HaltedSymbols, "BTCUSDT")

	resp, _ := b.post(t, "/api/v1/symbols/BTCUSDT/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = b.post(t, "/api/v1/symbols/BTCUSDT/resume", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "resuming an unhalted symbol fails")
}

func TestPrice_KnownAndUnknownSymbol(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.get(t, "/api/v1/price/BTCUSDT")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pr PriceResponse
	require.NoError(t, json.Unmarshal(body, &pr))
	assert.InDelta(t, 100, pr.Price, 1e-9)

	resp, _ = b.get(t, "/api/v1/price/DOGEUSDT")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBalance_FromGateway(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.get(t, "/api/v1/balance?asset=USDT")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal BalanceResponse
	require.NoError(t, json.Unmarshal(body, &bal))
	assert.Equal(t, "USDT", bal.Asset)
	assert.InDelta(t, 10000, bal.Balance, 1e-9)
}

func TestHealthz_TracksReadiness(t *testing.T) {
	b := newTestBot(t)

	resp, _ := b.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b.hc.Shutdown()
	resp, _ = b.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics_Exposed(t *testing.T) {
	b := newTestBot(t)

	resp, body := b.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bot_orders_total")
}

func TestWebSocket_BroadcastsEnvelopes(t *testing.T) {
	b := newTestBot(t)

	wsURL := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the broadcast; retry until the client hears it.
	got := make(chan wsEnvelope, 1)
	go func() {
		for {
			var env wsEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Channel == ChannelOrders {
				got <- env
				return
			}
		}
	}()

	payload := msg.OrderEventMsg{EventID: "evt-1", ClientID: "ord-1", State: "ACKNOWLEDGED"}
	deadline := time.After(2 * time.Second)
	for {
		b.srv.Broadcast(ChannelOrders, payload)
		select {
		case env := <-got:
			data, err := json.Marshal(env.Data)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"client_id":"ord-1"`)
			return
		case <-deadline:
			t.Fatal("websocket client never received the broadcast")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWebSocket_UnsubscribeFiltersChannel(t *testing.T) {
	b := newTestBot(t)

	wsURL := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsSubscribeRequest{Op: "unsubscribe", Channels: []string{ChannelTicks}}))
	// Give the read pump a moment to apply the change.
	time.Sleep(50 * time.Millisecond)

	b.srv.Broadcast(ChannelTicks, msg.TickMsg{Symbol: "BTCUSDT", Price: 100})
	b.srv.Broadcast(ChannelFills, msg.FillEventMsg{EventID: "evt-2", ClientID: "ord-9"})

	var env wsEnvelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, ChannelFills, env.Channel, "the unsubscribed channel must be filtered out")
}

func TestReconcileEndpoint(t *testing.T) {
	b := newTestBot(t)
	resp, _ := b.post(t, "/api/v1/reconcile", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRouteOrdering_CancelAllNotShadowed(t *testing.T) {
	b := newTestBot(t)
	resp, body := b.post(t, "/api/v1/orders/cancel-all", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", body)
	var out map[string]int
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 0, out["cancelling"])
}
