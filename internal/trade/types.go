package trade

import "time"

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType selects how an order executes on the exchange.
type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	StopLimit OrderType = "STOP"
)

// Urgency is a strategy hint for how aggressively an intent should execute.
type Urgency uint8

const (
	UrgencyPassive Urgency = iota
	UrgencyImmediate
)

// OrderState tracks the lifecycle of an order.
type OrderState uint8

const (
	StateUnknown OrderState = iota
	StatePending
	StateSubmitted
	StateAcknowledged
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateRejected
	StateExpired
)

var stateNames = map[OrderState]string{
	StateUnknown:         "UNKNOWN",
	StatePending:         "PENDING",
	StateSubmitted:       "SUBMITTED",
	StateAcknowledged:    "ACKNOWLEDGED",
	StatePartiallyFilled: "PARTIALLY_FILLED",
	StateFilled:          "FILLED",
	StateCancelled:       "CANCELLED",
	StateRejected:        "REJECTED",
	StateExpired:         "EXPIRED",
}

func (s OrderState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState maps a state name back to its OrderState. Unrecognized
// names map to StateUnknown.
func ParseState(name string) OrderState {
	for state, n := range stateNames {
		if n == name {
			return state
		}
	}
	return StateUnknown
}

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Tick is a single market data update for one symbol. Ticks carry a
// per-symbol sequence number; consumers only ever see them in strictly
// increasing Seq order.
type Tick struct {
	Symbol string
	Price  float64
	Qty    float64
	Seq    uint64
	At     time.Time
}

// Intent is a strategy's desire to change a position. Exactly one of
// Qty and EquityFrac is set. Type, LimitPrice and StopPrice are optional
// hints; when Type is empty the risk gate derives it from Urgency.
type Intent struct {
	Symbol     string
	Side       Side
	Qty        float64
	EquityFrac float64
	Urgency    Urgency
	Type       OrderType
	LimitPrice float64
	StopPrice  float64
	Strategy   string
	At         time.Time
}

// Order is the engine's record of a single exchange order. ClientID is
// generated locally before first submission and never changes; the
// exchange deduplicates on it, so retransmitting the same order is safe.
type Order struct {
	ClientID     string
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64
	StopPrice    float64
	State        OrderState
	ExchangeID   string
	FilledQty    float64
	AvgFillPrice float64
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Fill is a confirmed execution against an order. Fills are append-only;
// several fills may reference the same order.
type Fill struct {
	OrderClientID string
	Symbol        string
	Side          Side
	Qty           float64
	Price         float64
	Final         bool
	At            time.Time
}

// Position is the current holding for one symbol. Qty is signed: a
// negative quantity is a short. AvgEntryPrice is the weighted-average
// cost basis of the open quantity; RealizedPnL accumulates over closes.
type Position struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
	RealizedPnL   float64
}

// UnrealizedPnL computes the mark-to-market gain of the open quantity
// at the given price. Derived on demand, never stored.
func (p Position) UnrealizedPnL(markPrice float64) float64 {
	if p.Qty == 0 {
		return 0
	}
	return p.Qty * (markPrice - p.AvgEntryPrice)
}
