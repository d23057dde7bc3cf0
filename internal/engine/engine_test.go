package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/journal"
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/msg"
	"github.com/primetrades/primetrades/internal/risk"
	"github.com/primetrades/primetrades/internal/trade"
)

// fakeGateway scripts venue behavior per test. The default accepts
// every submit synchronously with exchange id "X-1".
type fakeGateway struct {
	mu       sync.Mutex
	submits  []trade.Order
	cancels  []string
	queries  []string
	submitFn func(o trade.Order) (exchange.Ack, error)
	cancelFn func(clientID string) error
	queryFn  func(clientID string) (exchange.OrderStatus, error)

	events chan exchange.Event
	ticks  chan trade.Tick
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events: make(chan exchange.Event, 64),
		ticks:  make(chan trade.Tick, 4),
	}
}

func (f *fakeGateway) Name() string                    { return "fake" }
func (f *fakeGateway) Connect(context.Context) error   { return nil }
func (f *fakeGateway) Events() <-chan exchange.Event   { return f.events }
func (f *fakeGateway) Ticks() <-chan trade.Tick        { return f.ticks }
func (f *fakeGateway) Close() error                    { return nil }
func (f *fakeGateway) emit(ev exchange.Event)          { f.events <- ev }
func (f *fakeGateway) OpenOrders(context.Context, string) ([]exchange.OrderStatus, error) {
	return nil, nil
}
func (f *fakeGateway) Balance(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeGateway) Submit(ctx context.Context, o trade.Order) (exchange.Ack, error) {
	f.mu.Lock()
	f.submits = append(f.submits, o)
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(o)
	}
	return exchange.Ack{ClientID: o.ClientID, ExchangeID: "X-1", At: time.Now()}, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, symbol, clientID, exchangeID string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, clientID)
	fn := f.cancelFn
	f.mu.Unlock()
	if fn != nil {
		return fn(clientID)
	}
	return nil
}

func (f *fakeGateway) QueryStatus(ctx context.Context, symbol, clientID string) (exchange.OrderStatus, error) {
	f.mu.Lock()
	f.queries = append(f.queries, clientID)
	fn := f.queryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(clientID)
	}
	return exchange.OrderStatus{}, trade.ErrUnknownOrder
}

func (f *fakeGateway) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeGateway) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func (f *fakeGateway) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type harness struct {
	eng   *Engine
	gw    *fakeGateway
	store *journal.Store
	book  *ledger.Ledger
	gate  *risk.Gate
	board *market.Board
}

func newHarness(t *testing.T, cfg Config, gw *fakeGateway) *harness {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	board := market.NewBoard()
	book := ledger.New(100000, zap.NewNop())
	gate := risk.NewGate(risk.Limits{MaxPositionQty: 1000, MaxExposure: 1e12}, board, zap.NewNop())
	eng := New(cfg, gw, book, store, gate, zap.NewNop())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close() })
	return &harness{eng: eng, gw: gw, store: store, book: book, gate: gate, board: board}
}

func (h *harness) state(t *testing.T, clientID string) trade.OrderState {
	t.Helper()
	o, err := h.eng.Get(context.Background(), clientID)
	require.NoError(t, err)
	return o.State
}

func (h *harness) waitState(t *testing.T, clientID string, want trade.OrderState) {
	t.Helper()
	require.Eventually(t, func() bool {
		o, err := h.eng.Get(context.Background(), clientID)
		return err == nil && o.State == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", clientID, want)
}

func draft(id string, side trade.Side, qty float64) trade.Order {
	return trade.Order{
		ClientID: id,
		Symbol:   "BTCUSDT",
		Side:     side,
		Type:     trade.Market,
		Qty:      qty,
	}
}

func fillEvent(id string, qty, price float64, final bool) exchange.Event {
	return exchange.Event{
		Kind:       exchange.EventFill,
		ClientID:   id,
		ExchangeID: "X-1",
		Symbol:     "BTCUSDT",
		Fill: trade.Fill{
			OrderClientID: id,
			Symbol:        "BTCUSDT",
			Side:          trade.Buy,
			Qty:           qty,
			Price:         price,
			Final:         final,
			At:            time.Now(),
		},
		At: time.Now(),
	}
}

func TestPlace_LifecycleToFilled(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)

	gw.emit(fillEvent("ord-1", 0.4, 100, false))
	h.waitState(t, "ord-1", trade.StatePartiallyFilled)

	o, err := h.eng.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, o.FilledQty, 1e-9)
	assert.Equal(t, "X-1", o.ExchangeID)

	gw.emit(fillEvent("ord-1", 0.6, 110, true))
	h.waitState(t, "ord-1", trade.StateFilled)

	o, err = h.eng.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, o.FilledQty, 1e-9)
	assert.InDelta(t, 106.0, o.AvgFillPrice, 1e-9, "0.4@100 + 0.6@110 averages to 106")

	pos := h.book.Snapshot().Position("BTCUSDT")
	assert.InDelta(t, 1.0, pos.Qty, 1e-9)
	assert.InDelta(t, 106.0, pos.AvgEntryPrice, 1e-9)

	fills, err := h.store.AllFills(context.Background())
	require.NoError(t, err)
	assert.Len(t, fills, 2, "both executions must be journaled")

	assert.Empty(t, h.eng.Open(), "a filled order leaves the working set")
}

func TestPlace_DuplicateClientIDRefused(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	assert.ErrorIs(t, h.eng.Place(draft("ord-1", trade.Buy, 1)), trade.ErrDuplicateOrder)

	gw.emit(fillEvent("ord-1", 1, 100, true))
	h.waitState(t, "ord-1", trade.StateFilled)

	assert.ErrorIs(t, h.eng.Place(draft("ord-1", trade.Buy, 1)), trade.ErrDuplicateOrder,
		"a client id stays burned after the order is terminal")
}

func TestSubmit_TransientFailureRetriesThenSucceeds(t *testing.T) {
	gw := newFakeGateway()
	calls := 0
	var mu sync.Mutex
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return exchange.Ack{}, trade.Transient("submit", context.DeadlineExceeded)
		}
		return exchange.Ack{ClientID: o.ClientID, ExchangeID: "X-1"}, nil
	}
	h := newHarness(t, Config{SubmitAttempts: 5, RetryBaseDelay: 5 * time.Millisecond}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)
	assert.Equal(t, 3, gw.submitCount(), "two transient failures then success")

	o, err := h.eng.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 3, o.Attempts)
}

func TestSubmit_ExhaustionExpiresOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{}, trade.Transient("submit", context.DeadlineExceeded)
	}
	h := newHarness(t, Config{SubmitAttempts: 2, RetryBaseDelay: 5 * time.Millisecond}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateExpired)
	assert.Equal(t, 2, gw.submitCount(), "attempts stop at the configured cap")

	events, err := h.store.ListUnpublished(context.Background(), 100)
	require.NoError(t, err)
	var sawExpired bool
	for _, ev := range events {
		if ev.Topic == msg.TopicOrderEvents && strings.Contains(ev.PayloadJSON, `"state":"EXPIRED"`) {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired, "the expiry must be announced through the outbox")
}

func TestSubmit_RejectionIsTerminalWithoutRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{}, trade.Reject(-2019, "margin is insufficient")
	}
	h := newHarness(t, Config{SubmitAttempts: 5, RetryBaseDelay: time.Millisecond}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateRejected)
	assert.Equal(t, 1, gw.submitCount(), "definitive rejections are never retried")
}

func TestAsyncAck_ArrivesViaEventStream(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{ClientID: o.ClientID}, nil // no exchange id yet
	}
	h := newHarness(t, Config{AckTimeout: time.Hour}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	assert.Equal(t, trade.StateSubmitted, h.state(t, "ord-1"))

	gw.emit(exchange.Event{Kind: exchange.EventAck, ClientID: "ord-1", ExchangeID: "X-9", At: time.Now()})
	h.waitState(t, "ord-1", trade.StateAcknowledged)

	o, err := h.eng.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "X-9", o.ExchangeID)

	// A duplicate ack must change nothing.
	gw.emit(exchange.Event{Kind: exchange.EventAck, ClientID: "ord-1", ExchangeID: "X-9", At: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, trade.StateAcknowledged, h.state(t, "ord-1"))
}

func TestAckTimeout_FallsBackToStatusQuery(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{ClientID: o.ClientID}, nil
	}
	gw.queryFn = func(clientID string) (exchange.OrderStatus, error) {
		return exchange.OrderStatus{
			ClientID:   clientID,
			ExchangeID: "X-7",
			Symbol:     "BTCUSDT",
			State:      trade.StateAcknowledged,
		}, nil
	}
	h := newHarness(t, Config{AckTimeout: 20 * time.Millisecond}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)
	assert.GreaterOrEqual(t, gw.queryCount(), 1, "a silent venue gets queried")

	o, err := h.eng.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "X-7", o.ExchangeID)
}

func TestCancelBeforeAck_DeferredUntilAcknowledged(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{ClientID: o.ClientID}, nil
	}
	h := newHarness(t, Config{AckTimeout: time.Hour}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	require.NoError(t, h.eng.Cancel("ord-1"))
	assert.Equal(t, 0, gw.cancelCount(), "nothing to revoke before the venue knows the order")

	gw.emit(exchange.Event{Kind: exchange.EventAck, ClientID: "ord-1", ExchangeID: "X-1", At: time.Now()})
	require.Eventually(t, func() bool { return gw.cancelCount() == 1 },
		2*time.Second, 5*time.Millisecond, "the queued cancel must fire on acknowledgement")

	gw.emit(exchange.Event{Kind: exchange.EventCancelled, ClientID: "ord-1", ExchangeID: "X-1", At: time.Now()})
	h.waitState(t, "ord-1", trade.StateCancelled)
}

func TestCancel_PendingOrderCancelsLocally(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{}, trade.Transient("submit", context.DeadlineExceeded)
	}
	// Huge retry delay parks the order in Pending.
	h := newHarness(t, Config{SubmitAttempts: 3, RetryBaseDelay: time.Hour}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StatePending)

	require.NoError(t, h.eng.Cancel("ord-1"))
	h.waitState(t, "ord-1", trade.StateCancelled)
	assert.Equal(t, 0, gw.cancelCount(), "an unsent order needs no venue round trip")
}

func TestCancel_TerminalOrderRefused(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	gw.emit(fillEvent("ord-1", 1, 100, true))
	h.waitState(t, "ord-1", trade.StateFilled)

	err := h.eng.Cancel("ord-1")
	assert.ErrorIs(t, err, trade.ErrInvalidTransition)

	assert.ErrorIs(t, h.eng.Cancel("ord-none"), trade.ErrUnknownOrder)
}

func TestOverfill_RejectsOrderAndHaltsSymbol(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)

	gw.emit(fillEvent("ord-1", 2, 100, true)) // double the order quantity
	h.waitState(t, "ord-1", trade.StateRejected)

	halted := h.gate.Halted()
	_, ok := halted["BTCUSDT"]
	assert.True(t, ok, "an overfill must halt the symbol")

	pos := h.book.Snapshot().Position("BTCUSDT")
	assert.InDelta(t, 0.0, pos.Qty, 1e-9, "the bogus fill must not reach the ledger")
}

func TestReconcile_SynthesizesMissedFills(t *testing.T) {
	gw := newFakeGateway()
	gw.queryFn = func(clientID string) (exchange.OrderStatus, error) {
		return exchange.OrderStatus{
			ClientID:     clientID,
			ExchangeID:   "X-1",
			Symbol:       "BTCUSDT",
			State:        trade.StateFilled,
			Qty:          1,
			FilledQty:    1,
			AvgFillPrice: 101,
		}, nil
	}
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)

	h.eng.Reconcile()
	h.waitState(t, "ord-1", trade.StateFilled)

	pos := h.book.Snapshot().Position("BTCUSDT")
	assert.InDelta(t, 1.0, pos.Qty, 1e-9, "the synthesized fill must reach the ledger")
	assert.InDelta(t, 101.0, pos.AvgEntryPrice, 1e-9)

	fills, err := h.store.AllFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 1)

	events, err := h.store.ListUnpublished(context.Background(), 100)
	require.NoError(t, err)
	var sawSynthetic bool
	for _, ev := range events {
		if ev.Topic == msg.TopicFillEvents && strings.Contains(ev.PayloadJSON, `"synthetic":true`) {
			sawSynthetic = true
		}
	}
	assert.True(t, sawSynthetic, "a reconciled fill is announced as synthetic")
}

func TestReconnect_TriggersReconciliation(t *testing.T) {
	gw := newFakeGateway()
	gw.queryFn = func(clientID string) (exchange.OrderStatus, error) {
		return exchange.OrderStatus{
			ClientID: clientID, ExchangeID: "X-1", Symbol: "BTCUSDT",
			State: trade.StateAcknowledged,
		}, nil
	}
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)
	before := gw.queryCount()

	gw.emit(exchange.Event{Kind: exchange.EventReconnected, At: time.Now()})
	require.Eventually(t, func() bool { return gw.queryCount() > before },
		2*time.Second, 5*time.Millisecond, "a stream gap must force a venue query")
}

func TestStart_RestoresAndReconcilesJournaledOrders(t *testing.T) {
	dir := t.TempDir()
	store, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// An order that was acknowledged when the process died.
	o := draft("ord-old", trade.Sell, 1)
	o.State = trade.StateAcknowledged
	o.ExchangeID = "X-5"
	o.CreatedAt = time.Now().Add(-time.Minute)
	o.UpdatedAt = o.CreatedAt
	require.NoError(t, store.SaveOrder(context.Background(), o))

	gw := newFakeGateway()
	gw.queryFn = func(clientID string) (exchange.OrderStatus, error) {
		return exchange.OrderStatus{
			ClientID: clientID, ExchangeID: "X-5", Symbol: "BTCUSDT",
			State: trade.StateCancelled,
		}, nil
	}

	board := market.NewBoard()
	book := ledger.New(100000, zap.NewNop())
	gate := risk.NewGate(risk.Limits{MaxPositionQty: 1000, MaxExposure: 1e12}, board, zap.NewNop())
	eng := New(Config{}, gw, book, store, gate, zap.NewNop())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close() })

	require.Eventually(t, func() bool {
		got, err := eng.Get(context.Background(), "ord-old")
		return err == nil && got.State == trade.StateCancelled
	}, 2*time.Second, 5*time.Millisecond, "restart must adopt the venue's answer for restored orders")
}

func TestStuck_UnknownAtVenueExpires(t *testing.T) {
	gw := newFakeGateway()
	gw.submitFn = func(o trade.Order) (exchange.Ack, error) {
		return exchange.Ack{ClientID: o.ClientID}, nil // ack never arrives
	}
	h := newHarness(t, Config{SubmitAttempts: 1, AckTimeout: 20 * time.Millisecond}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	h.waitState(t, "ord-1", trade.StateExpired)
	assert.GreaterOrEqual(t, gw.queryCount(), 1)
}

func TestCancelAll_CoversEveryLiveOrder(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)

	require.NoError(t, h.eng.Place(draft("ord-1", trade.Buy, 1)))
	require.NoError(t, h.eng.Place(draft("ord-2", trade.Sell, 2)))
	h.waitState(t, "ord-1", trade.StateAcknowledged)
	h.waitState(t, "ord-2", trade.StateAcknowledged)

	assert.Equal(t, 2, h.eng.CancelAll())

	gw.emit(exchange.Event{Kind: exchange.EventCancelled, ClientID: "ord-1", At: time.Now()})
	gw.emit(exchange.Event{Kind: exchange.EventCancelled, ClientID: "ord-2", At: time.Now()})
	h.waitState(t, "ord-1", trade.StateCancelled)
	h.waitState(t, "ord-2", trade.StateCancelled)
}

func TestFill_ReleasesRiskReservation(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)

	h.board.Update(trade.Tick{Symbol: "BTCUSDT", Price: 100, Seq: 1, At: time.Now()})
	o, violation := h.gate.Evaluate(trade.Intent{
		Symbol:  "BTCUSDT",
		Side:    trade.Buy,
		Qty:     1,
		Urgency: trade.UrgencyImmediate,
		At:      time.Now(),
	}, h.book.Snapshot())
	require.Nil(t, violation)
	require.Greater(t, h.gate.Committed(), 0.0, "approval reserves exposure")

	require.NoError(t, h.eng.Place(o))
	gw.emit(fillEvent(o.ClientID, 1, 100, true))

	require.Eventually(t, func() bool { return h.gate.Committed() == 0 },
		2*time.Second, 5*time.Millisecond, "a terminal order must return its reservation")
}

func TestPlace_AfterCloseFails(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, Config{}, gw)
	require.NoError(t, h.eng.Close())
	assert.ErrorIs(t, h.eng.Place(draft("ord-1", trade.Buy, 1)), ErrClosed)
}
