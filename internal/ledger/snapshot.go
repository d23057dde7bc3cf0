package ledger

import (
	"time"

	"github.com/primetrades/primetrades/internal/trade"
)

// Snapshot is an immutable point-in-time view of the ledger.
type Snapshot struct {
	Cash      float64
	Positions map[string]trade.Position
	At        time.Time
}

// Position returns the holding for a symbol, zero-valued when flat.
func (s Snapshot) Position(symbol string) trade.Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return trade.Position{Symbol: symbol}
}

// Equity values the snapshot at the given mark prices: cash plus the
// signed notional of every open position. Positions without a mark
// price are valued at their entry price.
func (s Snapshot) Equity(marks map[string]float64) float64 {
	eq := s.Cash
	for sym, p := range s.Positions {
		mark, ok := marks[sym]
		if !ok {
			mark = p.AvgEntryPrice
		}
		eq += p.Qty * mark
	}
	return eq
}

// RealizedPnL sums realized PnL across all symbols.
func (s Snapshot) RealizedPnL() float64 {
	var total float64
	for _, p := range s.Positions {
		total += p.RealizedPnL
	}
	return total
}
