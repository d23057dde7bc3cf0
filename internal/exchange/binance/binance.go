// Package binance implements the gateway against Binance USDT-margined
// futures. REST handles order placement, cancellation and queries; two
// websocket streams deliver trades and order updates. Testnet and
// production differ only in base URLs.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/trade"
)

const (
	prodBaseURL    = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	prodWSURL      = "wss://fstream.binance.com"
	testnetWSURL   = "wss://stream.binancefuture.com"

	eventBuffer = 256
	tickBuffer  = 1024
)

// Config carries credentials and endpoints. BaseURL and WSBaseURL
// override the Testnet-derived defaults; tests point them at local
// servers.
type Config struct {
	APIKey       string
	APISecret    string
	Testnet      bool
	RecvWindowMs int64
	Symbols      []string
	BaseURL      string
	WSBaseURL    string
}

// symbolFilters is the subset of exchangeInfo the gateway needs to
// round outgoing quantities and prices to venue increments.
type symbolFilters struct {
	stepSize    float64
	tickSize    float64
	minNotional float64
	qtyDigits   int
	priceDigits int
}

// Gateway talks to one Binance futures account.
type Gateway struct {
	cfg     Config
	baseURL string
	wsURL   string
	hc      *http.Client
	logger  *zap.Logger

	// loaded once in Connect, read-only afterwards
	filters map[string]*symbolFilters

	events chan exchange.Event
	ticks  chan trade.Tick

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a gateway; Connect must run before trading.
func New(cfg Config, logger *zap.Logger) *Gateway {
	base := cfg.BaseURL
	wsBase := cfg.WSBaseURL
	if base == "" {
		base = prodBaseURL
		if cfg.Testnet {
			base = testnetBaseURL
		}
	}
	if wsBase == "" {
		wsBase = prodWSURL
		if cfg.Testnet {
			wsBase = testnetWSURL
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg,
		baseURL: strings.TrimRight(base, "/"),
		wsURL:   strings.TrimRight(wsBase, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		filters: make(map[string]*symbolFilters),
		events:  make(chan exchange.Event, eventBuffer),
		ticks:   make(chan trade.Tick, tickBuffer),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}
}

func (g *Gateway) Name() string { return "binance" }

// Connect loads symbol filters and starts the market and user data
// streams.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.loadFilters(ctx); err != nil {
		return fmt.Errorf("failed to load exchange info: %w", err)
	}
	g.wg.Add(2)
	go g.runMarketStream()
	go g.runUserStream()
	g.logger.Info("binance gateway connected",
		zap.String("base_url", g.baseURL),
		zap.Bool("testnet", g.cfg.Testnet),
		zap.Strings("symbols", g.cfg.Symbols),
	)
	return nil
}

// Submit places an order. A rejection for a duplicated client id means
// an earlier attempt reached the venue but its response was lost; the
// original order is recovered by query so the call stays idempotent.
func (g *Gateway) Submit(ctx context.Context, o trade.Order) (exchange.Ack, error) {
	q := url.Values{}
	q.Set("symbol", o.Symbol)
	q.Set("side", string(o.Side))
	q.Set("type", string(o.Type))
	q.Set("quantity", g.fmtQty(o.Symbol, o.Qty))
	q.Set("newClientOrderId", o.ClientID)
	switch o.Type {
	case trade.Limit:
		q.Set("timeInForce", "GTC")
		q.Set("price", g.fmtPrice(o.Symbol, o.Price))
	case trade.StopLimit:
		q.Set("timeInForce", "GTC")
		q.Set("price", g.fmtPrice(o.Symbol, o.Price))
		q.Set("stopPrice", g.fmtPrice(o.Symbol, o.StopPrice))
	}

	body, err := g.call(ctx, http.MethodPost, "/fapi/v1/order", q, true)
	if err != nil {
		if re, ok := trade.IsRejection(err); ok && isDuplicateClientID(re.Code) {
			st, qerr := g.QueryStatus(ctx, o.Symbol, o.ClientID)
			if qerr == nil {
				return exchange.Ack{ClientID: o.ClientID, ExchangeID: st.ExchangeID, At: time.Now()}, nil
			}
		}
		return exchange.Ack{}, err
	}

	var r restOrder
	if err := json.Unmarshal(body, &r); err != nil {
		return exchange.Ack{}, fmt.Errorf("failed to decode order response: %w", err)
	}
	return exchange.Ack{
		ClientID:   o.ClientID,
		ExchangeID: strconv.FormatInt(r.OrderID, 10),
		At:         time.Now(),
	}, nil
}

// Cancel revokes a resting order by client id.
func (g *Gateway) Cancel(ctx context.Context, symbol, clientID, exchangeID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientID)
	_, err := g.call(ctx, http.MethodDelete, "/fapi/v1/order", q, true)
	return err
}

// QueryStatus fetches the venue's view of one order.
func (g *Gateway) QueryStatus(ctx context.Context, symbol, clientID string) (exchange.OrderStatus, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientID)
	body, err := g.call(ctx, http.MethodGet, "/fapi/v1/order", q, true)
	if err != nil {
		return exchange.OrderStatus{}, err
	}
	var r restOrder
	if err := json.Unmarshal(body, &r); err != nil {
		return exchange.OrderStatus{}, fmt.Errorf("failed to decode order response: %w", err)
	}
	return r.toStatus(), nil
}

// OpenOrders lists all working orders for a symbol.
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]exchange.OrderStatus, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := g.call(ctx, http.MethodGet, "/fapi/v1/openOrders", q, true)
	if err != nil {
		return nil, err
	}
	var rs []restOrder
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode open orders response: %w", err)
	}
	out := make([]exchange.OrderStatus, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.toStatus())
	}
	return out, nil
}

// Balance returns the available balance of one futures asset.
func (g *Gateway) Balance(ctx context.Context, asset string) (float64, error) {
	body, err := g.call(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return 0, err
	}
	var rows []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	for _, row := range rows {
		if row.Asset == asset {
			v, err := strconv.ParseFloat(row.AvailableBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse balance %q: %w", row.AvailableBalance, err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("asset %s not found in balance response", asset)
}

func (g *Gateway) Events() <-chan exchange.Event { return g.events }

func (g *Gateway) Ticks() <-chan trade.Tick { return g.ticks }

// Close tears down the streams and closes both channels.
func (g *Gateway) Close() error {
	g.once.Do(func() {
		close(g.stop)
		g.cancel()
		g.wg.Wait()
		close(g.events)
		close(g.ticks)
	})
	return nil
}

// restOrder is the order shape shared by the place, query and open
// orders endpoints.
type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r restOrder) toStatus() exchange.OrderStatus {
	return exchange.OrderStatus{
		ClientID:     r.ClientOrderID,
		ExchangeID:   strconv.FormatInt(r.OrderID, 10),
		Symbol:       r.Symbol,
		Side:         trade.Side(r.Side),
		State:        stateFromStatus(r.Status),
		Qty:          parseFloat(r.OrigQty),
		Price:        parseFloat(r.Price),
		FilledQty:    parseFloat(r.ExecutedQty),
		AvgFillPrice: parseFloat(r.AvgPrice),
		At:           time.UnixMilli(r.UpdateTime),
	}
}

// stateFromStatus maps Binance order status names onto the local
// lifecycle. NEW maps to Acknowledged: the venue knows the order.
func stateFromStatus(s string) trade.OrderState {
	switch s {
	case "NEW":
		return trade.StateAcknowledged
	case "PARTIALLY_FILLED":
		return trade.StatePartiallyFilled
	case "FILLED":
		return trade.StateFilled
	case "CANCELED":
		return trade.StateCancelled
	case "REJECTED":
		return trade.StateRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return trade.StateExpired
	default:
		return trade.StateUnknown
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// sign computes the HMAC-SHA256 of the encoded query.
func (g *Gateway) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.APISecret))
	_, _ = io.WriteString(mac, payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// call performs one REST request. Signed requests get timestamp,
// recvWindow and a trailing signature. Network failures and retryable
// venue responses come back as trade.TransientError; definitive venue
// refusals as trade.RejectionError.
func (g *Gateway) call(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	if signed {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if g.cfg.RecvWindowMs > 0 {
			q.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindowMs, 10))
		}
	}
	payload := q.Encode()
	if signed {
		// Signature is computed over the payload and appended last.
		payload += "&signature=" + g.sign(payload)
	}

	var req *http.Request
	var err error
	if method == http.MethodPost || method == http.MethodPut {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, strings.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u := g.baseURL + path
		if payload != "" {
			u += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)
	}

	start := time.Now()
	res, err := g.hc.Do(req)
	if err != nil {
		g.logger.Debug("binance request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, trade.Transient(method+" "+path, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, trade.Transient(method+" "+path, err)
	}

	g.logger.Debug("binance request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.String("response", truncate(body, 512)),
	)

	if res.StatusCode/100 == 2 {
		return body, nil
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	return nil, classify(method+" "+path, res.StatusCode, apiErr.Code, apiErr.Msg)
}

// classify sorts a venue error into retryable, unknown-order, or
// definitive rejection.
func classify(op string, status, code int, msg string) error {
	// 429/418 are rate limits, 5xx is the venue's problem; both clear
	// on their own.
	if status >= 500 || status == http.StatusTooManyRequests || status == 418 {
		return trade.Transient(op, fmt.Errorf("binance http %d (code %d): %s", status, code, msg))
	}
	switch code {
	case -1001, -1007, -1021:
		// Internal error, timeout, timestamp outside recvWindow.
		return trade.Transient(op, fmt.Errorf("binance code %d: %s", code, msg))
	case -2011, -2013:
		// Cancel rejected for unknown order / order does not exist.
		return trade.ErrUnknownOrder
	}
	if msg == "" {
		msg = fmt.Sprintf("http %d", status)
	}
	return trade.Reject(code, msg)
}

// isDuplicateClientID matches the codes Binance uses when a
// newClientOrderId is already on the book.
func isDuplicateClientID(code int) bool {
	return code == -4116 || code == -2010
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// loadFilters caches the lot and price increments for the configured
// symbols from exchangeInfo.
func (g *Gateway) loadFilters(ctx context.Context) error {
	body, err := g.call(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("failed to decode exchange info: %w", err)
	}

	wanted := make(map[string]bool, len(g.cfg.Symbols))
	for _, s := range g.cfg.Symbols {
		wanted[s] = true
	}
	for _, s := range info.Symbols {
		if !wanted[s.Symbol] {
			continue
		}
		sf := &symbolFilters{}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				sf.stepSize = parseFloat(f.StepSize)
			case "PRICE_FILTER":
				sf.tickSize = parseFloat(f.TickSize)
			case "MIN_NOTIONAL":
				if f.Notional != "" {
					sf.minNotional = parseFloat(f.Notional)
				} else {
					sf.minNotional = parseFloat(f.MinNotional)
				}
			}
		}
		sf.qtyDigits = digitsFromStep(sf.stepSize, 6)
		sf.priceDigits = digitsFromStep(sf.tickSize, 2)
		g.filters[s.Symbol] = sf
	}

	for _, s := range g.cfg.Symbols {
		if g.filters[s] == nil {
			return fmt.Errorf("symbol %s not listed in exchange info", s)
		}
	}
	return nil
}

// fmtQty snaps a quantity down to the symbol's lot step. Rounding down
// keeps the order within what the caller approved.
func (g *Gateway) fmtQty(symbol string, v float64) string {
	f := g.filters[symbol]
	if f == nil || f.stepSize <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	snapped := math.Floor(v/f.stepSize+1e-9) * f.stepSize
	return strconv.FormatFloat(snapped, 'f', f.qtyDigits, 64)
}

func (g *Gateway) fmtPrice(symbol string, v float64) string {
	f := g.filters[symbol]
	if f == nil || f.tickSize <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	snapped := math.Floor(v/f.tickSize+1e-9) * f.tickSize
	return strconv.FormatFloat(snapped, 'f', f.priceDigits, 64)
}

// digitsFromStep derives the decimal places implied by an increment
// like "0.001".
func digitsFromStep(step float64, def int) int {
	if step <= 0 {
		return def
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
