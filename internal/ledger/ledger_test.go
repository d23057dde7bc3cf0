package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/trade"
)

func fill(symbol string, side trade.Side, qty, price float64) trade.Fill {
	return trade.Fill{
		OrderClientID: "ord-test",
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
		At:            time.Now(),
	}
}

func TestApply_TwoPartialFills_WeightedAverage(t *testing.T) {
	l := New(10000, zap.NewNop())

	// 1.0 BTC order filled as 0.4 then 0.6 at different prices.
	l.Apply(fill("BTCUSDT", trade.Buy, 0.4, 100))
	p := l.Apply(fill("BTCUSDT", trade.Buy, 0.6, 110))

	assert.InDelta(t, 1.0, p.Qty, 1e-9)
	// (0.4*100 + 0.6*110) / 1.0 = 106
	assert.InDelta(t, 106.0, p.AvgEntryPrice, 1e-9, "basis must be the weighted average across both fills")
	assert.Zero(t, p.RealizedPnL, "no PnL realized while only increasing")

	snap := l.Snapshot()
	assert.InDelta(t, 10000-0.4*100-0.6*110, snap.Cash, 1e-9)
}

func TestApply_ReducingFill_RealizesPnL(t *testing.T) {
	l := New(10000, zap.NewNop())

	l.Apply(fill("BTCUSDT", trade.Buy, 2, 100))
	p := l.Apply(fill("BTCUSDT", trade.Sell, 1, 120))

	assert.InDelta(t, 1.0, p.Qty, 1e-9)
	assert.InDelta(t, 100.0, p.AvgEntryPrice, 1e-9, "basis unchanged by a reduce")
	assert.InDelta(t, 20.0, p.RealizedPnL, 1e-9, "sold 1 @ 120 against basis 100")
}

func TestApply_CloseToFlat_ClearsBasis(t *testing.T) {
	l := New(0, zap.NewNop())

	l.Apply(fill("ETHUSDT", trade.Buy, 3, 50))
	p := l.Apply(fill("ETHUSDT", trade.Sell, 3, 40))

	assert.Zero(t, p.Qty)
	assert.Zero(t, p.AvgEntryPrice)
	assert.InDelta(t, -30.0, p.RealizedPnL, 1e-9)
}

func TestApply_CrossThroughFlat_OpensShort(t *testing.T) {
	l := New(10000, zap.NewNop())

	l.Apply(fill("BTCUSDT", trade.Buy, 1, 100))
	p := l.Apply(fill("BTCUSDT", trade.Sell, 3, 110))

	assert.InDelta(t, -2.0, p.Qty, 1e-9, "remainder opens a short")
	assert.InDelta(t, 110.0, p.AvgEntryPrice, 1e-9, "new direction starts at the fill price")
	assert.InDelta(t, 10.0, p.RealizedPnL, 1e-9, "closed the long leg at +10")
}

func TestApply_ShortSide_RealizesOnBuyBack(t *testing.T) {
	l := New(10000, zap.NewNop())

	l.Apply(fill("BTCUSDT", trade.Sell, 2, 100))
	p := l.Apply(fill("BTCUSDT", trade.Buy, 2, 90))

	assert.Zero(t, p.Qty)
	assert.InDelta(t, 20.0, p.RealizedPnL, 1e-9, "short 2 @ 100 covered @ 90")
}

func TestSnapshot_Immutable(t *testing.T) {
	l := New(1000, zap.NewNop())
	l.Apply(fill("BTCUSDT", trade.Buy, 1, 100))

	snap := l.Snapshot()
	require.InDelta(t, 1.0, snap.Position("BTCUSDT").Qty, 1e-9)

	// Mutate the ledger after taking the snapshot.
	l.Apply(fill("BTCUSDT", trade.Buy, 1, 100))

	assert.InDelta(t, 1.0, snap.Position("BTCUSDT").Qty, 1e-9,
		"snapshot must not observe writes made after it was taken")
	assert.InDelta(t, 2.0, l.Snapshot().Position("BTCUSDT").Qty, 1e-9)
}

func TestSnapshot_Equity(t *testing.T) {
	l := New(1000, zap.NewNop())
	l.Apply(fill("BTCUSDT", trade.Buy, 1, 100))

	snap := l.Snapshot()
	eq := snap.Equity(map[string]float64{"BTCUSDT": 130})
	// 1000 - 100 cash spent, position worth 130.
	assert.InDelta(t, 1030.0, eq, 1e-9)

	// No mark available: value at entry.
	eq = snap.Equity(nil)
	assert.InDelta(t, 1000.0, eq, 1e-9)
}

func TestSnapshot_FlatSymbol(t *testing.T) {
	l := New(0, zap.NewNop())
	p := l.Snapshot().Position("BTCUSDT")
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Zero(t, p.Qty)
}
