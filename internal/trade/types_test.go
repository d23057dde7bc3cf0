package trade

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderState_Terminal(t *testing.T) {
	terminal := []OrderState{StateFilled, StateCancelled, StateRejected, StateExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	live := []OrderState{StatePending, StateSubmitted, StateAcknowledged, StatePartiallyFilled}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestParseState_RoundTrip(t *testing.T) {
	for s := StatePending; s <= StateExpired; s++ {
		assert.Equal(t, s, ParseState(s.String()), "state %d should round-trip through its name", s)
	}
	assert.Equal(t, StateUnknown, ParseState("NO_SUCH_STATE"))
}

func TestSide_Sign(t *testing.T) {
	assert.Equal(t, 1.0, Buy.Sign())
	assert.Equal(t, -1.0, Sell.Sign())
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}

func TestTransientError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("submit", cause)

	require.True(t, IsTransient(err), "wrapped error should be transient")
	assert.True(t, errors.Is(err, cause), "cause should survive wrapping")

	// Still detectable through another layer of wrapping.
	wrapped := fmt.Errorf("dispatch failed: %w", err)
	assert.True(t, IsTransient(wrapped))
}

func TestRejectionError_NotTransient(t *testing.T) {
	err := Reject(-2010, "insufficient balance")

	re, ok := IsRejection(err)
	require.True(t, ok)
	assert.Equal(t, -2010, re.Code)
	assert.Equal(t, "insufficient balance", re.Reason)
	assert.False(t, IsTransient(err), "rejection must never be retried")
}

func TestOrder_Remaining(t *testing.T) {
	o := Order{Qty: 1.0, FilledQty: 0.4}
	assert.InDelta(t, 0.6, o.Remaining(), 1e-9)

	o.FilledQty = 1.0
	assert.Zero(t, o.Remaining())
}

func TestPosition_UnrealizedPnL(t *testing.T) {
	long := Position{Symbol: "BTCUSDT", Qty: 2, AvgEntryPrice: 100}
	assert.InDelta(t, 20.0, long.UnrealizedPnL(110), 1e-9)

	short := Position{Symbol: "BTCUSDT", Qty: -2, AvgEntryPrice: 100}
	assert.InDelta(t, -20.0, short.UnrealizedPnL(110), 1e-9)

	flat := Position{Symbol: "BTCUSDT"}
	assert.Zero(t, flat.UnrealizedPnL(110))
}
