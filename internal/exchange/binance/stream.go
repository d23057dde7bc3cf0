package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/trade"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// Listen keys expire after 60 minutes without a keepalive.
	listenKeyKeepalive = 25 * time.Minute
)

// runMarketStream keeps a combined aggTrade subscription alive for all
// configured symbols. The aggregate trade id becomes the tick sequence
// number, so downstream ordering checks survive reconnects.
func (g *Gateway) runMarketStream() {
	defer g.wg.Done()

	streams := make([]string, 0, len(g.cfg.Symbols))
	for _, s := range g.cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	u := g.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	delay := reconnectBaseDelay
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(g.ctx, u, nil)
		if err != nil {
			if g.stopped() {
				return
			}
			g.logger.Warn("market stream dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			if !g.sleepUnlessStopped(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = reconnectBaseDelay
		g.logger.Info("market stream connected", zap.Strings("streams", streams))
		g.readMarket(conn)
		conn.Close()
		if g.stopped() {
			return
		}
	}
}

type aggTrade struct {
	Event   string `json:"e"`
	Symbol  string `json:"s"`
	Price   string `json:"p"`
	Qty     string `json:"q"`
	AggID   uint64 `json:"a"`
	TradeAt int64  `json:"T"`
}

func (g *Gateway) readMarket(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-g.stop:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !g.stopped() {
				g.logger.Warn("market stream read failed", zap.Error(err))
			}
			return
		}
		var msg struct {
			Data aggTrade `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.Event != "aggTrade" {
			continue
		}
		tick := trade.Tick{
			Symbol: msg.Data.Symbol,
			Price:  parseFloat(msg.Data.Price),
			Qty:    parseFloat(msg.Data.Qty),
			Seq:    msg.Data.AggID,
			At:     time.UnixMilli(msg.Data.TradeAt),
		}
		select {
		case g.ticks <- tick:
		case <-g.stop:
			return
		}
	}
}

// runUserStream owns the listen key lifecycle and the order update
// socket. After any reconnect it emits EventReconnected: updates may
// have been missed and the caller must reconcile against REST.
func (g *Gateway) runUserStream() {
	defer g.wg.Done()

	delay := reconnectBaseDelay
	first := true
	for {
		key, err := g.createListenKey(g.ctx)
		if err != nil {
			if g.stopped() {
				return
			}
			g.logger.Warn("failed to create listen key",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			if !g.sleepUnlessStopped(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(g.ctx, g.wsURL+"/ws/"+key, nil)
		if err != nil {
			if g.stopped() {
				return
			}
			g.logger.Warn("user stream dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			if !g.sleepUnlessStopped(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = reconnectBaseDelay
		g.logger.Info("user data stream connected")
		if !first {
			if !g.sendEvent(exchange.Event{Kind: exchange.EventReconnected, At: time.Now()}) {
				conn.Close()
				return
			}
		}
		first = false

		g.readUser(conn)
		conn.Close()
		if g.stopped() {
			return
		}
	}
}

func (g *Gateway) readUser(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(listenKeyKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := g.keepAliveListenKey(g.ctx); err != nil {
					g.logger.Warn("listen key keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !g.stopped() {
				g.logger.Warn("user stream read failed", zap.Error(err))
			}
			return
		}
		if !g.handleUserMessage(raw) {
			return
		}
	}
}

type orderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	CumQty        string `json:"z"`
	TradeAt       int64  `json:"T"`
}

// handleUserMessage returns false when the session must be rebuilt.
func (g *Gateway) handleUserMessage(raw []byte) bool {
	var head struct {
		Event string `json:"e"`
		At    int64  `json:"E"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return true
	}
	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		var msg struct {
			Order orderUpdate `json:"o"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Warn("failed to decode order update", zap.Error(err))
			return true
		}
		return g.dispatchOrderUpdate(msg.Order, time.UnixMilli(head.At))
	case "listenKeyExpired":
		g.logger.Warn("listen key expired, rebuilding user stream")
		return false
	}
	return true
}

func (g *Gateway) dispatchOrderUpdate(o orderUpdate, at time.Time) bool {
	ev := exchange.Event{
		ClientID:   o.ClientOrderID,
		ExchangeID: strconv.FormatInt(o.OrderID, 10),
		Symbol:     o.Symbol,
		At:         at,
	}
	switch o.ExecType {
	case "NEW":
		ev.Kind = exchange.EventAck
	case "TRADE":
		ev.Kind = exchange.EventFill
		ev.Fill = trade.Fill{
			OrderClientID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          trade.Side(o.Side),
			Qty:           parseFloat(o.LastQty),
			Price:         parseFloat(o.LastPrice),
			Final:         o.Status == "FILLED",
			At:            at,
		}
	case "CANCELED":
		ev.Kind = exchange.EventCancelled
	case "EXPIRED":
		ev.Kind = exchange.EventExpired
	default:
		if o.Status != "REJECTED" {
			return true
		}
		ev.Kind = exchange.EventReject
		ev.Reason = "rejected by venue"
	}
	return g.sendEvent(ev)
}

// sendEvent blocks until the engine takes the event or the gateway
// stops. Events are never dropped; losing one would desync order state
// until the next reconcile.
func (g *Gateway) sendEvent(ev exchange.Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.stop:
		return false
	}
}

func (g *Gateway) createListenKey(ctx context.Context) (string, error) {
	body, err := g.call(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var r struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("failed to decode listen key response: %w", err)
	}
	if r.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return r.ListenKey, nil
}

func (g *Gateway) keepAliveListenKey(ctx context.Context) error {
	_, err := g.call(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false)
	return err
}

func (g *Gateway) stopped() bool {
	select {
	case <-g.stop:
		return true
	default:
		return false
	}
}

func (g *Gateway) sleepUnlessStopped(d time.Duration) bool {
	select {
	case <-g.stop:
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}
