// Package engine owns every order from placement to its terminal
// state. A single loop goroutine holds all order state; gateway calls
// run in worker goroutines and post their results back to the loop, so
// no handler ever blocks on the network and no state needs a mutex.
//
// The engine survives crashes by journaling every transition: on start
// it restores non-terminal orders from the journal and reconciles them
// against the venue, which always wins.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/journal"
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/risk"
	"github.com/primetrades/primetrades/internal/trade"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("engine is closed")

const (
	opBuffer      = 256
	maxRetryDelay = 30 * time.Second
	qtyEpsilon    = 1e-9
)

// Config carries the engine's timing and retry knobs.
type Config struct {
	// SubmitAttempts caps how many times one order is sent before it
	// expires locally.
	SubmitAttempts int
	// RetryBaseDelay is the first backoff after a transient submit
	// failure; it doubles per attempt.
	RetryBaseDelay time.Duration
	// AckTimeout is how long a submitted order may wait for its
	// acknowledgement before the engine queries the venue.
	AckTimeout time.Duration
	// StuckTimeout is the ceiling after which any unresolved order is
	// forcibly reconciled.
	StuckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubmitAttempts < 1 {
		c.SubmitAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 30 * time.Second
	}
	if c.StuckTimeout < c.AckTimeout {
		c.StuckTimeout = c.AckTimeout
	}
	return c
}

// Notifier receives every published payload for in-process fanout
// (the websocket hub). Called from the engine loop; must not block.
type Notifier func(channel string, payload any)

// managedOrder is the loop's working record of one live order. The
// inflight flag enforces at most one mutating venue request per order;
// anything requested meanwhile is remembered in cancelWanted.
type managedOrder struct {
	order        trade.Order
	inflight     bool
	cancelWanted bool
	cancelTries  int

	retryTimer *time.Timer
	ackTimer   *time.Timer
	stuckTimer *time.Timer
}

// Engine executes approved orders against a gateway.
type Engine struct {
	cfg    Config
	gw     exchange.Gateway
	book   *ledger.Ledger
	store  *journal.Store
	gate   *risk.Gate
	logger *zap.Logger
	notify Notifier

	ops     chan func()
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	wg      sync.WaitGroup
	once    sync.Once

	// owned by the loop goroutine
	orders map[string]*managedOrder
}

// New wires an engine. Call Start before placing orders.
func New(cfg Config, gw exchange.Gateway, book *ledger.Ledger, store *journal.Store,
	gate *risk.Gate, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg.withDefaults(),
		gw:      gw,
		book:    book,
		store:   store,
		gate:    gate,
		logger:  logger,
		notify:  func(string, any) {},
		ops:     make(chan func(), opBuffer),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		orders:  make(map[string]*managedOrder),
	}
}

// SetNotifier installs the fanout hook. Must be called before Start.
func (e *Engine) SetNotifier(n Notifier) {
	if n != nil {
		e.notify = n
	}
}

// Start restores non-terminal orders from the journal, begins
// consuming gateway events, and reconciles the restored set against
// the venue.
func (e *Engine) Start(ctx context.Context) error {
	restored, err := e.store.NonTerminalOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore open orders: %w", err)
	}
	for _, o := range restored {
		e.orders[o.ClientID] = &managedOrder{order: o}
	}

	e.loopWG.Add(1)
	go e.loop()
	e.wg.Add(1)
	go e.pump()

	e.run(func() {
		for _, mo := range e.orders {
			e.armStuckTimer(mo)
		}
		obs.SetOpenOrders(len(e.orders))
		e.reconcileAll()
	})

	if len(restored) > 0 {
		e.logger.Info("restored open orders from journal", zap.Int("count", len(restored)))
	}
	return nil
}

func (e *Engine) loop() {
	defer e.loopWG.Done()
	for {
		select {
		case <-e.stopped:
			return
		case fn := <-e.ops:
			fn()
		}
	}
}

// pump forwards gateway events onto the loop.
func (e *Engine) pump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopped:
			return
		case ev, ok := <-e.gw.Events():
			if !ok {
				return
			}
			e.run(func() { e.onGatewayEvent(ev) })
		}
	}
}

// run posts fn to the loop. Returns false once the engine stops.
// Never called from the loop itself; handlers call each other
// directly.
func (e *Engine) run(fn func()) bool {
	select {
	case e.ops <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

func (e *Engine) goWorker(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Place accepts an approved draft order for execution. Duplicate
// client ids are refused; everything after acceptance is async.
func (e *Engine) Place(o trade.Order) error {
	errCh := make(chan error, 1)
	if !e.run(func() { errCh <- e.place(o) }) {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-e.stopped:
		return ErrClosed
	}
}

func (e *Engine) place(o trade.Order) error {
	if o.ClientID == "" {
		return fmt.Errorf("order has no client id")
	}
	if _, live := e.orders[o.ClientID]; live {
		return trade.ErrDuplicateOrder
	}
	if _, err := e.store.Order(e.ctx, o.ClientID); err == nil {
		return trade.ErrDuplicateOrder
	} else if !errors.Is(err, trade.ErrUnknownOrder) {
		return err
	}

	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.State = trade.StatePending
	o.FilledQty = 0
	o.Attempts = 0

	mo := &managedOrder{order: o}
	e.orders[o.ClientID] = mo
	obs.SetOpenOrders(len(e.orders))
	e.persistWithEvent(mo.order, "")
	obs.IncOrderState(mo.order.State.String())
	e.logger.Info("order accepted",
		zap.String("client_id", o.ClientID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("type", string(o.Type)),
		zap.Float64("qty", o.Qty),
		zap.Float64("price", o.Price),
	)

	e.armStuckTimer(mo)
	e.dispatchSubmit(mo)
	return nil
}

// Cancel requests cancellation of a live order. Orders the venue has
// not acknowledged yet are cancelled as soon as the ack lands, or
// locally if they were never sent.
func (e *Engine) Cancel(clientID string) error {
	errCh := make(chan error, 1)
	if !e.run(func() { errCh <- e.requestCancel(clientID) }) {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-e.stopped:
		return ErrClosed
	}
}

func (e *Engine) requestCancel(clientID string) error {
	mo, live := e.orders[clientID]
	if !live {
		o, err := e.store.Order(e.ctx, clientID)
		if err != nil {
			return err
		}
		return fmt.Errorf("order %s is already %s: %w", clientID, o.State, trade.ErrInvalidTransition)
	}
	switch {
	case mo.order.State == trade.StatePending && !mo.inflight:
		// Never reached the venue; nothing to revoke remotely.
		e.finalize(mo, trade.StateCancelled, "cancelled before submission")
	case mo.order.ExchangeID == "":
		// Submission may be in flight; revoke once the ack arrives.
		mo.cancelWanted = true
		e.logger.Info("cancel queued until acknowledgement", zap.String("client_id", clientID))
	default:
		e.dispatchCancel(mo)
	}
	return nil
}

// CancelAll requests cancellation of every live order and returns how
// many were affected.
func (e *Engine) CancelAll() int {
	ch := make(chan int, 1)
	if !e.run(func() {
		ids := make([]string, 0, len(e.orders))
		for id := range e.orders {
			ids = append(ids, id)
		}
		n := 0
		for _, id := range ids {
			if e.requestCancel(id) == nil {
				n++
			}
		}
		ch <- n
	}) {
		return 0
	}
	select {
	case n := <-ch:
		return n
	case <-e.stopped:
		return 0
	}
}

// Reconcile queues a reconciliation pass: every live order is queried
// and the venue's answer is adopted. Runs asynchronously.
func (e *Engine) Reconcile() {
	e.run(func() { e.reconcileAll() })
}

// Open returns the live orders, oldest first.
func (e *Engine) Open() []trade.Order {
	ch := make(chan []trade.Order, 1)
	if !e.run(func() {
		out := make([]trade.Order, 0, len(e.orders))
		for _, mo := range e.orders {
			out = append(out, mo.order)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		ch <- out
	}) {
		return nil
	}
	select {
	case out := <-ch:
		return out
	case <-e.stopped:
		return nil
	}
}

// Get looks an order up, live orders first, then the journal.
func (e *Engine) Get(ctx context.Context, clientID string) (trade.Order, error) {
	ch := make(chan *trade.Order, 1)
	if !e.run(func() {
		if mo, ok := e.orders[clientID]; ok {
			o := mo.order
			ch <- &o
			return
		}
		ch <- nil
	}) {
		return trade.Order{}, ErrClosed
	}
	select {
	case o := <-ch:
		if o != nil {
			return *o, nil
		}
		return e.store.Order(ctx, clientID)
	case <-e.stopped:
		return trade.Order{}, ErrClosed
	}
}

// Close stops the loop and waits for in-flight workers. Pending
// timers become no-ops.
func (e *Engine) Close() error {
	e.once.Do(func() {
		close(e.stopped)
		e.cancel()
		e.loopWG.Wait()
		e.wg.Wait()
	})
	return nil
}
