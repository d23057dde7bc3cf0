package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/trade"
)

// Reason classifies why the gate refused an intent.
type Reason string

const (
	ReasonHalted        Reason = "halted"
	ReasonInvalidIntent Reason = "invalid_intent"
	ReasonNoPrice       Reason = "no_price"
	ReasonPositionLimit Reason = "position_limit"
	ReasonExposureCap   Reason = "exposure_cap"
	ReasonCooldown      Reason = "cooldown"
	ReasonBalance       Reason = "insufficient_balance"
)

// Violation is a risk refusal. The intent is dropped; nothing reaches
// the exchange.
type Violation struct {
	Reason Reason
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk violation (%s): %s", v.Reason, v.Detail)
}

func violate(reason Reason, format string, args ...any) *Violation {
	return &Violation{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits are the static risk parameters. Loaded from configuration at
// startup.
type Limits struct {
	MaxPositionQty float64       // per-symbol cap on |position|, base units
	MaxExposure    float64       // aggregate cap on reserved notional, quote units
	Cooldown       time.Duration // min interval between accepted orders per symbol; 0 disables
	LimitOffsetPct float64       // passive limit price offset from the mark, percent
}

type reservation struct {
	symbol    string
	notional  float64
	signedQty float64
}

// Gate validates intents against limits and tracks committed exposure:
// the notional reserved by approved orders that have not yet reached a
// terminal state. Checks run in a fixed order and stop at the first
// violation.
type Gate struct {
	limits Limits
	board  *market.Board
	logger *zap.Logger

	mu            sync.Mutex
	reserved      map[string]reservation // client order id -> reservation
	totalNotional float64
	pendingQty    map[string]float64 // symbol -> signed qty of reserved orders
	lastAccepted  map[string]time.Time
	halted        map[string]string // symbol -> halt reason
}

// NewGate creates a gate with the given limits.
func NewGate(limits Limits, board *market.Board, logger *zap.Logger) *Gate {
	return &Gate{
		limits:       limits,
		board:        board,
		logger:       logger,
		reserved:     make(map[string]reservation),
		pendingQty:   make(map[string]float64),
		lastAccepted: make(map[string]time.Time),
		halted:       make(map[string]string),
	}
}

// Evaluate validates one intent against the current snapshot. On
// approval it reserves exposure, stamps a fresh client order id and
// returns the draft order; the caller must hand the draft to the engine
// or the reservation leaks. On refusal the returned Violation names the
// first failed check.
func (g *Gate) Evaluate(intent trade.Intent, snap ledger.Snapshot) (trade.Order, *Violation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if reason, ok := g.halted[intent.Symbol]; ok {
		return trade.Order{}, violate(ReasonHalted, "%s: %s", intent.Symbol, reason)
	}

	if intent.Symbol == "" || (intent.Side != trade.Buy && intent.Side != trade.Sell) {
		return trade.Order{}, violate(ReasonInvalidIntent, "missing symbol or side")
	}
	if intent.Qty < 0 || intent.EquityFrac < 0 || intent.EquityFrac > 1 {
		return trade.Order{}, violate(ReasonInvalidIntent, "negative quantity or fraction out of range")
	}
	if intent.Qty == 0 && intent.EquityFrac == 0 {
		return trade.Order{}, violate(ReasonInvalidIntent, "neither quantity nor equity fraction set")
	}

	mark, ok := g.board.Last(intent.Symbol)
	if !ok || mark <= 0 {
		return trade.Order{}, violate(ReasonNoPrice, "no mark price for %s", intent.Symbol)
	}

	qty := intent.Qty
	if qty == 0 {
		// Fraction-of-equity sizing resolved at the current mark.
		equity := snap.Equity(g.board.Marks())
		qty = equity * intent.EquityFrac / mark
	}
	if qty <= 0 {
		return trade.Order{}, violate(ReasonInvalidIntent, "resolved quantity is zero")
	}

	signedQty := qty * intent.Side.Sign()
	notional := qty * mark

	// (a) per-symbol position cap, counting reserved open orders.
	projected := snap.Position(intent.Symbol).Qty + g.pendingQty[intent.Symbol] + signedQty
	if abs(projected) > g.limits.MaxPositionQty {
		return trade.Order{}, violate(ReasonPositionLimit,
			"projected position %.8f exceeds cap %.8f", projected, g.limits.MaxPositionQty)
	}

	// (b) aggregate exposure cap.
	if g.totalNotional+notional > g.limits.MaxExposure {
		return trade.Order{}, violate(ReasonExposureCap,
			"committed %.2f + order %.2f exceeds cap %.2f", g.totalNotional, notional, g.limits.MaxExposure)
	}

	// (c) per-symbol cooldown.
	if g.limits.Cooldown > 0 {
		if last, ok := g.lastAccepted[intent.Symbol]; ok {
			if since := time.Since(last); since < g.limits.Cooldown {
				return trade.Order{}, violate(ReasonCooldown,
					"last order %s ago, cooldown %s", since.Round(time.Millisecond), g.limits.Cooldown)
			}
		}
	}

	// (d) balance sufficiency including committed exposure.
	if notional > snap.Cash-g.totalNotional {
		return trade.Order{}, violate(ReasonBalance,
			"order %.2f exceeds available %.2f (cash %.2f, committed %.2f)",
			notional, snap.Cash-g.totalNotional, snap.Cash, g.totalNotional)
	}

	order := g.draft(intent, qty, mark)

	g.reserved[order.ClientID] = reservation{
		symbol:    intent.Symbol,
		notional:  notional,
		signedQty: signedQty,
	}
	g.totalNotional += notional
	g.pendingQty[intent.Symbol] += signedQty
	g.lastAccepted[intent.Symbol] = time.Now()
	obs.SetCommittedExposure(g.totalNotional)

	g.logger.Info("intent approved",
		zap.String("client_id", order.ClientID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.Float64("qty", order.Qty),
		zap.Float64("price", order.Price),
		zap.Float64("reserved_notional", notional),
		zap.String("strategy", intent.Strategy),
	)

	return order, nil
}

// draft builds the order for an approved intent. Explicit type and
// prices on the intent win; otherwise urgency decides between a market
// order and a passively offset limit.
func (g *Gate) draft(intent trade.Intent, qty, mark float64) trade.Order {
	now := time.Now()
	o := trade.Order{
		ClientID:  uuid.New().String(),
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Qty:       qty,
		State:     trade.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.Type = intent.Type
	if o.Type == "" {
		if intent.Urgency == trade.UrgencyImmediate {
			o.Type = trade.Market
		} else {
			o.Type = trade.Limit
		}
	}

	switch o.Type {
	case trade.Limit, trade.StopLimit:
		o.Price = intent.LimitPrice
		if o.Price == 0 {
			offset := g.limits.LimitOffsetPct / 100
			if intent.Side == trade.Buy {
				o.Price = mark * (1 - offset)
			} else {
				o.Price = mark * (1 + offset)
			}
		}
		o.StopPrice = intent.StopPrice
	}
	return o
}

// Release returns a reservation to the pool. Called by the engine
// exactly once when an order reaches a terminal state; releasing an
// unknown id is a no-op so replays are harmless.
func (g *Gate) Release(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reserved[clientID]
	if !ok {
		return
	}
	delete(g.reserved, clientID)
	g.totalNotional -= r.notional
	if g.totalNotional < 0 {
		g.totalNotional = 0
	}
	g.pendingQty[r.symbol] -= r.signedQty
	obs.SetCommittedExposure(g.totalNotional)
}

// Committed returns the total reserved notional.
func (g *Gate) Committed() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalNotional
}

// Halt stops new intents for a symbol until Resume. In-flight orders
// are unaffected; cancels remain allowed.
func (g *Gate) Halt(symbol, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted[symbol] = reason
	g.logger.Error("symbol halted", zap.String("symbol", symbol), zap.String("reason", reason))
}

// Resume lifts a halt. Manual operation via the control API.
func (g *Gate) Resume(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.halted[symbol]; !ok {
		return false
	}
	delete(g.halted, symbol)
	g.logger.Info("symbol resumed", zap.String("symbol", symbol))
	return true
}

// Halted lists currently halted symbols and their reasons.
func (g *Gate) Halted() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.halted))
	for sym, reason := range g.halted {
		out[sym] = reason
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
