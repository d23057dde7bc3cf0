// Package exchange defines the contract between the order engine and a
// trading venue. Implementations live in subpackages: paper (simulated
// venue for tests and dry runs) and binance (USDT-margined futures).
//
// The engine distinguishes two failure classes on every call:
// trade.TransientError means the request may or may not have reached the
// venue and is safe to retry with the same ClientID; trade.RejectionError
// is a definitive refusal and must never be retried.
package exchange

import (
	"context"
	"time"

	"github.com/primetrades/primetrades/internal/trade"
)

// Ack is the synchronous response to a Submit. ExchangeID may be empty
// when the venue acknowledges asynchronously; the engine then waits for
// an EventAck carrying the id.
type Ack struct {
	ClientID   string
	ExchangeID string
	At         time.Time
}

// OrderStatus is the venue's authoritative view of one order, as
// returned by QueryStatus and OpenOrders. During reconciliation it wins
// over local state.
type OrderStatus struct {
	ClientID     string
	ExchangeID   string
	Symbol       string
	Side         trade.Side
	State        trade.OrderState
	Qty          float64
	Price        float64
	FilledQty    float64
	AvgFillPrice float64
	At           time.Time
}

// EventKind discriminates asynchronous gateway events.
type EventKind uint8

const (
	EventAck EventKind = iota + 1
	EventReject
	EventCancelled
	EventExpired
	EventFill
	EventReconnected
)

var eventKindNames = map[EventKind]string{
	EventAck:         "ack",
	EventReject:      "reject",
	EventCancelled:   "cancelled",
	EventExpired:     "expired",
	EventFill:        "fill",
	EventReconnected: "reconnected",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is an asynchronous notification from the venue. Fill is set
// only for EventFill. EventReconnected carries no order fields; it
// signals that the event stream may have gaps and the engine should
// reconcile.
type Event struct {
	Kind       EventKind
	ClientID   string
	ExchangeID string
	Symbol     string
	Fill       trade.Fill
	Code       int
	Reason     string
	At         time.Time
}

// Gateway is a trading venue. All mutating calls are idempotent by
// ClientID: retransmitting a Submit the venue already accepted returns
// the original acknowledgement instead of placing a second order.
//
// Events and Ticks channels are owned by the gateway and closed by
// Close. Symbol parameters are required because some venues (Binance
// among them) cannot look up an order by client id alone.
type Gateway interface {
	Name() string

	// Connect establishes streams and loads any venue metadata needed
	// before trading (symbol filters, listen keys). Must be called
	// before Submit.
	Connect(ctx context.Context) error

	// Submit places an order. A returned Ack with a non-empty
	// ExchangeID means the venue accepted the order synchronously; an
	// empty ExchangeID means the ack arrives later on Events.
	Submit(ctx context.Context, o trade.Order) (Ack, error)

	// Cancel requests cancellation. Cancelling an order the venue does
	// not know returns trade.ErrUnknownOrder; cancelling one already
	// terminal returns a RejectionError.
	Cancel(ctx context.Context, symbol, clientID, exchangeID string) error

	// QueryStatus fetches the venue's view of one order. Unknown
	// orders return trade.ErrUnknownOrder.
	QueryStatus(ctx context.Context, symbol, clientID string) (OrderStatus, error)

	// OpenOrders lists all non-terminal orders for a symbol.
	OpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error)

	// Balance returns the free balance of one asset.
	Balance(ctx context.Context, asset string) (float64, error)

	Events() <-chan Event
	Ticks() <-chan trade.Tick

	Close() error
}
