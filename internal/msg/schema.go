package msg

// OrderEventMsg announces an order state transition
type OrderEventMsg struct {
	EventID      string  `json:"event_id"`
	ClientID     string  `json:"client_id"`
	ExchangeID   string  `json:"exchange_id,omitempty"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // "BUY" or "SELL"
	Type         string  `json:"type"`
	State        string  `json:"state"`
	Qty          float64 `json:"qty"`
	Price        float64 `json:"price"`
	FilledQty    float64 `json:"filled_qty"`
	Reason       string  `json:"reason,omitempty"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// FillEventMsg announces a confirmed execution
type FillEventMsg struct {
	EventID      string  `json:"event_id"`
	ClientID     string  `json:"client_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Qty          float64 `json:"qty"`
	Price        float64 `json:"price"`
	Final        bool    `json:"final"`
	Synthetic    bool    `json:"synthetic,omitempty"` // derived during reconciliation
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// PositionEventMsg announces the position resulting from a fill
type PositionEventMsg struct {
	EventID       string  `json:"event_id"`
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	TsUnixMillis  int64   `json:"ts_unix_millis"`
}

// TickMsg carries a market trade to websocket subscribers. Ticks are
// not journaled or published to Kafka; this shape exists for the live
// stream only.
type TickMsg struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty,omitempty"`
	Seq          uint64  `json:"seq"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}
