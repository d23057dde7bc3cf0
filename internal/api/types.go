package api

import (
	"time"

	"github.com/primetrades/primetrades/internal/trade"
)

// Request and response bodies for the control API. Field names follow
// the event payload convention (snake_case) so websocket consumers see
// one shape everywhere.

// PlaceOrderRequest is a manual order. Type defaults to MARKET; LIMIT
// requires price and STOP requires both stop_price and price.
type PlaceOrderRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Type      string  `json:"type"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// OrderInfo is the external view of an order.
type OrderInfo struct {
	ClientID     string  `json:"client_id"`
	ExchangeID   string  `json:"exchange_id,omitempty"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Qty          float64 `json:"qty"`
	Price        float64 `json:"price,omitempty"`
	StopPrice    float64 `json:"stop_price,omitempty"`
	State        string  `json:"state"`
	FilledQty    float64 `json:"filled_qty"`
	AvgFillPrice float64 `json:"avg_fill_price,omitempty"`
	CreatedAt    int64   `json:"created_unix_millis"`
	UpdatedAt    int64   `json:"updated_unix_millis"`
}

func orderInfo(o trade.Order) OrderInfo {
	return OrderInfo{
		ClientID:     o.ClientID,
		ExchangeID:   o.ExchangeID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Qty:          o.Qty,
		Price:        o.Price,
		StopPrice:    o.StopPrice,
		State:        o.State.String(),
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		CreatedAt:    o.CreatedAt.UnixMilli(),
		UpdatedAt:    o.UpdatedAt.UnixMilli(),
	}
}

// PositionInfo is the external view of a holding.
type PositionInfo struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarkPrice     float64 `json:"mark_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

func positionInfo(p trade.Position, mark float64) PositionInfo {
	return PositionInfo{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		AvgEntryPrice: p.AvgEntryPrice,
		MarkPrice:     mark,
		UnrealizedPnL: p.UnrealizedPnL(mark),
		RealizedPnL:   p.RealizedPnL,
	}
}

// StatusResponse summarizes the running bot.
type StatusResponse struct {
	Gateway           string            `json:"gateway"`
	Paused            bool              `json:"paused"`
	HaltedSymbols     map[string]string `json:"halted_symbols,omitempty"`
	OpenOrders        int               `json:"open_orders"`
	Cash              float64           `json:"cash"`
	Equity            float64           `json:"equity"`
	CommittedExposure float64           `json:"committed_exposure"`
	UptimeSeconds     int64             `json:"uptime_seconds"`
}

// BalanceResponse reports a venue asset balance.
type BalanceResponse struct {
	Asset   string  `json:"asset"`
	Balance float64 `json:"balance"`
}

// PriceResponse reports the last observed trade price for a symbol.
type PriceResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	At     int64   `json:"at_unix_millis"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// wsEnvelope wraps every broadcast payload with its channel so one
// socket can carry orders, fills, positions and ticks together.
type wsEnvelope struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
	At      int64  `json:"at_unix_millis"`
}

// wsSubscribeRequest is the only client-to-server message.
type wsSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }
