package strategy

import (
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/trade"
)

func init() {
	register("sma-cross", func(p Params) Strategy { return newSMACross(p) })
}

// smaCross is a dual moving-average crossover. When the fast average
// crosses above the slow it wants to be long; crossing below, flat (or
// short once a long is closed). One intent per cross, sized by OrderQty
// or EquityFrac.
type smaCross struct {
	params Params
	state  map[string]*smaState
}

type smaState struct {
	prices []float64 // ring of the last SlowPeriod prices
	next   int
	filled bool
	// above tracks the fast/slow relation at the previous tick so a
	// cross fires exactly once.
	above  bool
	primed bool
}

func newSMACross(p Params) *smaCross {
	if p.FastPeriod <= 0 {
		p.FastPeriod = 5
	}
	if p.SlowPeriod <= p.FastPeriod {
		p.SlowPeriod = p.FastPeriod * 4
	}
	return &smaCross{params: p, state: make(map[string]*smaState)}
}

func (s *smaCross) Name() string { return "sma-cross" }

func (s *smaCross) OnTick(tick trade.Tick, snap ledger.Snapshot) []trade.Intent {
	st, ok := s.state[tick.Symbol]
	if !ok {
		st = &smaState{prices: make([]float64, s.params.SlowPeriod)}
		s.state[tick.Symbol] = st
	}

	st.prices[st.next] = tick.Price
	st.next = (st.next + 1) % len(st.prices)
	if st.next == 0 {
		st.filled = true
	}
	if !st.filled {
		return nil
	}

	fast := s.average(st, s.params.FastPeriod)
	slow := s.average(st, s.params.SlowPeriod)
	above := fast > slow

	if !st.primed {
		// First complete window: record the relation, no trade.
		st.above = above
		st.primed = true
		return nil
	}
	if above == st.above {
		return nil
	}
	st.above = above

	side := trade.Sell
	if above {
		side = trade.Buy
	}

	// Only trade toward the signal: skip a sell cross when already flat
	// or short, and vice versa, unless sized by equity fraction.
	pos := snap.Position(tick.Symbol).Qty
	if s.params.EquityFrac == 0 {
		if side == trade.Sell && pos <= 0 {
			return nil
		}
		if side == trade.Buy && pos > 0 {
			return nil
		}
	}

	intent := trade.Intent{
		Symbol:   tick.Symbol,
		Side:     side,
		Urgency:  trade.UrgencyImmediate,
		Strategy: s.Name(),
		At:       tick.At,
	}
	if s.params.EquityFrac > 0 {
		intent.EquityFrac = s.params.EquityFrac
	} else {
		qty := s.params.OrderQty
		if side == trade.Sell && pos > 0 && qty > pos {
			qty = pos // close, don't flip
		}
		intent.Qty = qty
	}

	return []trade.Intent{intent}
}

// average computes the mean of the most recent n prices in the ring.
func (s *smaCross) average(st *smaState, n int) float64 {
	var sum float64
	idx := st.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(st.prices) - 1
		}
		sum += st.prices[idx]
	}
	return sum / float64(n)
}
