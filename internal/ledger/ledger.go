package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/trade"
)

// Ledger is the authoritative record of holdings and cash. Confirmed
// fills are the only mutation path: acks, submissions and rejections
// never touch it. The engine is the single writer; all other components
// read through immutable snapshots.
type Ledger struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]*trade.Position
	logger    *zap.Logger
}

// New creates an empty ledger with the given starting cash.
func New(cash float64, logger *zap.Logger) *Ledger {
	return &Ledger{
		cash:      cash,
		positions: make(map[string]*trade.Position),
		logger:    logger,
	}
}

// SetCash overwrites the cash balance. Used at startup when the real
// balance is queried from the exchange after journal replay.
func (l *Ledger) SetCash(cash float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = cash
}

// Apply folds one confirmed fill into the ledger and returns the
// resulting position. Position-increasing fills recompute the
// weighted-average entry price; position-reducing fills realize PnL
// against that basis. A fill larger than the open opposite quantity
// closes it and opens the remainder in the new direction.
func (l *Ledger) Apply(fill trade.Fill) trade.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[fill.Symbol]
	if !ok {
		p = &trade.Position{Symbol: fill.Symbol}
		l.positions[fill.Symbol] = p
	}

	signedQty := fill.Qty * fill.Side.Sign()

	switch {
	case p.Qty == 0:
		p.Qty = signedQty
		p.AvgEntryPrice = fill.Price

	case sameDirection(p.Qty, signedQty):
		// Increasing: new weighted-average basis over the combined size.
		oldAbs := abs(p.Qty)
		addAbs := abs(signedQty)
		p.AvgEntryPrice = (oldAbs*p.AvgEntryPrice + addAbs*fill.Price) / (oldAbs + addAbs)
		p.Qty += signedQty

	case abs(signedQty) <= abs(p.Qty):
		// Reducing (possibly to flat): realize on the closed quantity.
		closed := abs(signedQty)
		p.RealizedPnL += closed * (fill.Price - p.AvgEntryPrice) * sign(p.Qty)
		p.Qty += signedQty
		if p.Qty == 0 {
			p.AvgEntryPrice = 0
		}

	default:
		// Crossing through flat: close the whole open quantity, then
		// open the remainder in the fill's direction at the fill price.
		closed := abs(p.Qty)
		p.RealizedPnL += closed * (fill.Price - p.AvgEntryPrice) * sign(p.Qty)
		p.Qty += signedQty
		p.AvgEntryPrice = fill.Price
	}

	// Cash moves by the fill notional: buys spend, sells receive.
	l.cash -= signedQty * fill.Price

	if l.logger != nil {
		l.logger.Debug("fill applied to ledger",
			zap.String("symbol", fill.Symbol),
			zap.String("side", string(fill.Side)),
			zap.Float64("fill_qty", fill.Qty),
			zap.Float64("fill_price", fill.Price),
			zap.Float64("position_qty", p.Qty),
			zap.Float64("avg_entry_price", p.AvgEntryPrice),
			zap.Float64("realized_pnl", p.RealizedPnL),
			zap.Float64("cash", l.cash),
		)
	}

	return *p
}

// Snapshot returns a deep copy of the ledger state. The copy never
// changes after return, so callers may hold it across ticks.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make(map[string]trade.Position, len(l.positions))
	for sym, p := range l.positions {
		positions[sym] = *p
	}
	return Snapshot{
		Cash:      l.cash,
		Positions: positions,
		At:        time.Now(),
	}
}

func sameDirection(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
