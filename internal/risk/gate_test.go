package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/trade"
)

func testLimits() Limits {
	return Limits{
		MaxPositionQty: 0.5,
		MaxExposure:    100000,
		LimitOffsetPct: 0.05,
	}
}

func boardAt(symbol string, price float64) *market.Board {
	b := market.NewBoard()
	b.Update(trade.Tick{Symbol: symbol, Seq: 1, Price: price, At: time.Now()})
	return b
}

func snapWith(cash float64, positions ...trade.Position) ledger.Snapshot {
	m := make(map[string]trade.Position, len(positions))
	for _, p := range positions {
		m[p.Symbol] = p
	}
	return ledger.Snapshot{Cash: cash, Positions: m, At: time.Now()}
}

func buyIntent(symbol string, qty float64) trade.Intent {
	return trade.Intent{
		Symbol:   symbol,
		Side:     trade.Buy,
		Qty:      qty,
		Urgency:  trade.UrgencyImmediate,
		Strategy: "test",
		At:       time.Now(),
	}
}

func TestEvaluate_Approves(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())

	order, v := g.Evaluate(buyIntent("BTCUSDT", 0.3), snapWith(10000))
	require.Nil(t, v)
	assert.NotEmpty(t, order.ClientID, "approval must stamp a client order id")
	assert.Equal(t, trade.StatePending, order.State)
	assert.Equal(t, trade.Market, order.Type, "immediate urgency maps to a market order")
	assert.InDelta(t, 0.3, order.Qty, 1e-9)
	assert.InDelta(t, 30.0, g.Committed(), 1e-9, "approval reserves qty*mark notional")
}

func TestEvaluate_PositionLimit(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())

	// Max position 0.5: a 1.0 buy on a flat book must be refused.
	_, v := g.Evaluate(buyIntent("BTCUSDT", 1.0), snapWith(100000))
	require.NotNil(t, v)
	assert.Equal(t, ReasonPositionLimit, v.Reason)
	assert.Zero(t, g.Committed(), "refused intents must not reserve exposure")

	// Existing 0.2 long: +0.4 projects past the cap.
	snap := snapWith(100000, trade.Position{Symbol: "BTCUSDT", Qty: 0.2, AvgEntryPrice: 90})
	_, v = g.Evaluate(buyIntent("BTCUSDT", 0.4), snap)
	require.NotNil(t, v)
	assert.Equal(t, ReasonPositionLimit, v.Reason)

	// +0.3 stays inside.
	_, v = g.Evaluate(buyIntent("BTCUSDT", 0.3), snap)
	assert.Nil(t, v)
}

func TestEvaluate_PositionLimit_CountsReservedOrders(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())
	snap := snapWith(100000)

	_, v := g.Evaluate(buyIntent("BTCUSDT", 0.3), snap)
	require.Nil(t, v)

	// The approved 0.3 is still pending; another 0.3 would project 0.6.
	_, v = g.Evaluate(buyIntent("BTCUSDT", 0.3), snap)
	require.NotNil(t, v)
	assert.Equal(t, ReasonPositionLimit, v.Reason)
}

func TestEvaluate_ExposureCap_Concurrent(t *testing.T) {
	limits := testLimits()
	limits.MaxPositionQty = 1000
	limits.MaxExposure = 500 // room for exactly 5 orders of notional 100
	g := NewGate(limits, boardAt("BTCUSDT", 100), zap.NewNop())
	snap := snapWith(1e9)

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, v := g.Evaluate(buyIntent("BTCUSDT", 1.0), snap); v == nil {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, approved, "sum of approved notional must never exceed the cap")
	assert.InDelta(t, 500.0, g.Committed(), 1e-9)
}

func TestEvaluate_Cooldown(t *testing.T) {
	limits := testLimits()
	limits.Cooldown = time.Hour
	g := NewGate(limits, boardAt("BTCUSDT", 100), zap.NewNop())
	snap := snapWith(10000)

	_, v := g.Evaluate(buyIntent("BTCUSDT", 0.1), snap)
	require.Nil(t, v)

	_, v = g.Evaluate(buyIntent("BTCUSDT", 0.1), snap)
	require.NotNil(t, v)
	assert.Equal(t, ReasonCooldown, v.Reason)
}

func TestEvaluate_BalanceIncludesCommitted(t *testing.T) {
	limits := testLimits()
	limits.MaxPositionQty = 10
	g := NewGate(limits, boardAt("BTCUSDT", 100), zap.NewNop())
	snap := snapWith(150) // enough for one order of 100, not two

	_, v := g.Evaluate(buyIntent("BTCUSDT", 1.0), snap)
	require.Nil(t, v)

	_, v = g.Evaluate(buyIntent("BTCUSDT", 1.0), snap)
	require.NotNil(t, v)
	assert.Equal(t, ReasonBalance, v.Reason, "committed exposure must count against the balance")
}

func TestRelease_ReturnsExposure(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())

	order, v := g.Evaluate(buyIntent("BTCUSDT", 0.3), snapWith(10000))
	require.Nil(t, v)
	require.InDelta(t, 30.0, g.Committed(), 1e-9)

	g.Release(order.ClientID)
	assert.Zero(t, g.Committed())

	// Releasing twice is harmless.
	g.Release(order.ClientID)
	assert.Zero(t, g.Committed())

	// The pending-qty projection is freed too.
	_, v = g.Evaluate(buyIntent("BTCUSDT", 0.5), snapWith(10000))
	assert.Nil(t, v)
}

func TestEvaluate_EquityFracSizing(t *testing.T) {
	limits := testLimits()
	limits.MaxPositionQty = 100
	g := NewGate(limits, boardAt("BTCUSDT", 100), zap.NewNop())

	intent := trade.Intent{
		Symbol:     "BTCUSDT",
		Side:       trade.Buy,
		EquityFrac: 0.1,
		Urgency:    trade.UrgencyImmediate,
		At:         time.Now(),
	}
	order, v := g.Evaluate(intent, snapWith(10000))
	require.Nil(t, v)
	// 10% of 10000 equity at mark 100 -> 10 base units.
	assert.InDelta(t, 10.0, order.Qty, 1e-9)
}

func TestEvaluate_PassiveLimitPricing(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())

	intent := buyIntent("BTCUSDT", 0.1)
	intent.Urgency = trade.UrgencyPassive
	order, v := g.Evaluate(intent, snapWith(10000))
	require.Nil(t, v)
	assert.Equal(t, trade.Limit, order.Type)
	assert.InDelta(t, 99.95, order.Price, 1e-9, "passive buy rests just under the mark")
}

func TestEvaluate_HaltBlocksIntents(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())

	g.Halt("BTCUSDT", "fill exceeds order quantity")
	_, v := g.Evaluate(buyIntent("BTCUSDT", 0.1), snapWith(10000))
	require.NotNil(t, v)
	assert.Equal(t, ReasonHalted, v.Reason)
	assert.Contains(t, g.Halted(), "BTCUSDT")

	require.True(t, g.Resume("BTCUSDT"))
	_, v = g.Evaluate(buyIntent("BTCUSDT", 0.1), snapWith(10000))
	assert.Nil(t, v)

	assert.False(t, g.Resume("BTCUSDT"), "resume of a non-halted symbol reports false")
}

func TestEvaluate_NoPrice(t *testing.T) {
	g := NewGate(testLimits(), market.NewBoard(), zap.NewNop())

	_, v := g.Evaluate(buyIntent("BTCUSDT", 0.1), snapWith(10000))
	require.NotNil(t, v)
	assert.Equal(t, ReasonNoPrice, v.Reason)
}

func TestEvaluate_InvalidIntent(t *testing.T) {
	g := NewGate(testLimits(), boardAt("BTCUSDT", 100), zap.NewNop())
	snap := snapWith(10000)

	_, v := g.Evaluate(trade.Intent{Symbol: "BTCUSDT", Side: "HOLD", Qty: 1}, snap)
	require.NotNil(t, v)
	assert.Equal(t, ReasonInvalidIntent, v.Reason)

	_, v = g.Evaluate(trade.Intent{Symbol: "BTCUSDT", Side: trade.Buy}, snap)
	require.NotNil(t, v)
	assert.Equal(t, ReasonInvalidIntent, v.Reason, "neither qty nor fraction set")
}
