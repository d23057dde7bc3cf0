// Package paper implements a simulated exchange. It honors the full
// gateway contract: idempotent submits, async acknowledgements, partial
// fills, and stop/limit triggering against a generated price walk.
// Chaos hooks inject dropped submissions, delayed calls and duplicated
// ticks so the engine's recovery paths can be exercised end to end.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/chaos"
	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/trade"
)

const (
	eventBuffer = 256
	tickBuffer  = 256

	// Rejection codes returned by the simulated venue.
	codeInvalidOrder  = 100
	codeOrderFinal    = 102
	codeUnknownSymbol = 103
)

var errRequestDropped = errors.New("request dropped before reaching venue")

// Config tunes the simulation. Zero values get sensible defaults in New.
type Config struct {
	Symbols      []string
	StartPrice   float64
	TickInterval time.Duration // 0 disables the price walk; drive with Advance
	StartBalance float64
	AckDelay     time.Duration // 0 means synchronous acks
	FillChunks   int           // market orders fill in this many pieces
}

type paperOrder struct {
	trade.Order
	// ackSent gates matching: the venue never fills an order the
	// client has not yet been told about.
	ackSent bool
	// armed is set once a stop order's trigger price has traded.
	armed bool
}

// Gateway is an in-process venue. Safe for concurrent use.
type Gateway struct {
	cfg    Config
	chaos  *chaos.Chaos
	logger *zap.Logger

	mu     sync.Mutex
	orders map[string]*paperOrder
	acks   map[string]exchange.Ack
	prices map[string]float64
	seqs   map[string]uint64
	cash   float64
	nextID int64
	closed bool

	events chan exchange.Event
	ticks  chan trade.Tick

	stop chan struct{}
	wg   sync.WaitGroup
	rng  *rand.Rand
}

// New creates a paper gateway. chaos may be nil.
func New(cfg Config, cha *chaos.Chaos, logger *zap.Logger) *Gateway {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 50000
	}
	if cfg.StartBalance <= 0 {
		cfg.StartBalance = 10000
	}
	if cfg.FillChunks < 1 {
		cfg.FillChunks = 1
	}
	g := &Gateway{
		cfg:    cfg,
		chaos:  cha,
		logger: logger,
		orders: make(map[string]*paperOrder),
		acks:   make(map[string]exchange.Ack),
		prices: make(map[string]float64),
		seqs:   make(map[string]uint64),
		cash:   cfg.StartBalance,
		events: make(chan exchange.Event, eventBuffer),
		ticks:  make(chan trade.Tick, tickBuffer),
		stop:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, s := range cfg.Symbols {
		g.prices[s] = cfg.StartPrice
	}
	return g
}

func (g *Gateway) Name() string { return "paper" }

// Connect starts the price walk when a tick interval is configured.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.cfg.TickInterval > 0 {
		g.wg.Add(1)
		go g.walk()
	}
	g.logger.Info("paper gateway connected",
		zap.Strings("symbols", g.cfg.Symbols),
		zap.Float64("start_price", g.cfg.StartPrice),
		zap.Duration("tick_interval", g.cfg.TickInterval),
	)
	return nil
}

func (g *Gateway) walk() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			for _, sym := range g.cfg.Symbols {
				// Random walk, +-5bp per tick.
				px := g.prices[sym] * (1 + (g.rng.Float64()*2-1)*0.0005)
				g.advanceLocked(sym, px)
			}
			g.mu.Unlock()
		}
	}
}

// Advance sets the traded price for a symbol, emits the tick, and
// matches resting orders at the new price. The walk goroutine goes
// through here too; tests drive the venue with it directly.
func (g *Gateway) Advance(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advanceLocked(symbol, price)
}

func (g *Gateway) advanceLocked(symbol string, price float64) {
	if g.closed {
		return
	}
	g.prices[symbol] = price
	g.seqs[symbol]++
	tick := trade.Tick{
		Symbol: symbol,
		Price:  price,
		Qty:    g.rng.Float64(),
		Seq:    g.seqs[symbol],
		At:     time.Now(),
	}
	g.sendTick(tick)
	if g.chaos.MaybeDrop("tick") {
		// Chaos reuses the drop roll to duplicate the tick instead;
		// downstream ordering enforcement has to discard it.
		g.sendTick(tick)
	}
	g.matchLocked(symbol, price)
}

func (g *Gateway) matchLocked(symbol string, price float64) {
	for _, po := range g.orders {
		if po.Symbol != symbol || po.State.Terminal() || !po.ackSent {
			continue
		}
		switch po.Type {
		case trade.Market:
			qty := po.Qty / float64(g.cfg.FillChunks)
			// Fold a float-remainder tail into the last chunk.
			if rem := po.Remaining(); rem-qty < qty/2 {
				qty = rem
			}
			g.fillLocked(po, qty, price)
		case trade.Limit:
			if crossed(po.Side, price, po.Price) {
				g.fillLocked(po, po.Remaining(), po.Price)
			}
		case trade.StopLimit:
			if !po.armed && triggered(po.Side, price, po.StopPrice) {
				po.armed = true
			}
			if po.armed && crossed(po.Side, price, po.Price) {
				g.fillLocked(po, po.Remaining(), po.Price)
			}
		}
	}
}

// crossed reports whether a limit order is marketable at the traded
// price: buys fill at or below the limit, sells at or above.
func crossed(side trade.Side, price, limit float64) bool {
	if side == trade.Buy {
		return price <= limit
	}
	return price >= limit
}

// triggered reports whether a stop's trigger price has traded. Buy
// stops arm above the market, sell stops below.
func triggered(side trade.Side, price, stop float64) bool {
	if side == trade.Buy {
		return price >= stop
	}
	return price <= stop
}

func (g *Gateway) fillLocked(po *paperOrder, qty, price float64) {
	if qty <= 0 {
		return
	}
	po.AvgFillPrice = (po.AvgFillPrice*po.FilledQty + qty*price) / (po.FilledQty + qty)
	po.FilledQty += qty
	if po.FilledQty >= po.Qty {
		po.FilledQty = po.Qty
		po.State = trade.StateFilled
	} else {
		po.State = trade.StatePartiallyFilled
	}
	po.UpdatedAt = time.Now()
	g.cash -= po.Side.Sign() * qty * price
	g.sendEvent(exchange.Event{
		Kind:       exchange.EventFill,
		ClientID:   po.ClientID,
		ExchangeID: po.ExchangeID,
		Symbol:     po.Symbol,
		Fill: trade.Fill{
			OrderClientID: po.ClientID,
			Symbol:        po.Symbol,
			Side:          po.Side,
			Qty:           qty,
			Price:         price,
			Final:         po.State == trade.StateFilled,
			At:            po.UpdatedAt,
		},
		At: po.UpdatedAt,
	})
}

// Submit accepts an order. Resubmitting a ClientID the venue already
// holds returns the original ack unchanged.
func (g *Gateway) Submit(ctx context.Context, o trade.Order) (exchange.Ack, error) {
	if err := g.chaos.MaybeDelay(ctx, "submit"); err != nil {
		return exchange.Ack{}, trade.Transient("submit", err)
	}
	if g.chaos.MaybeDrop("submit") {
		return exchange.Ack{}, trade.Transient("submit", errRequestDropped)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if ack, ok := g.acks[o.ClientID]; ok {
		g.logger.Debug("duplicate submit ignored", zap.String("client_id", o.ClientID))
		return ack, nil
	}
	if _, ok := g.prices[o.Symbol]; !ok {
		return exchange.Ack{}, trade.Reject(codeUnknownSymbol, fmt.Sprintf("unknown symbol %s", o.Symbol))
	}
	if o.Qty <= 0 {
		return exchange.Ack{}, trade.Reject(codeInvalidOrder, "quantity must be positive")
	}
	if (o.Type == trade.Limit || o.Type == trade.StopLimit) && o.Price <= 0 {
		return exchange.Ack{}, trade.Reject(codeInvalidOrder, "limit price must be positive")
	}
	if o.Type == trade.StopLimit && o.StopPrice <= 0 {
		return exchange.Ack{}, trade.Reject(codeInvalidOrder, "stop price must be positive")
	}

	g.nextID++
	po := &paperOrder{Order: o}
	po.ExchangeID = fmt.Sprintf("P-%06d", g.nextID)
	po.State = trade.StateAcknowledged
	po.UpdatedAt = time.Now()
	g.orders[o.ClientID] = po

	ack := exchange.Ack{ClientID: o.ClientID, ExchangeID: po.ExchangeID, At: po.UpdatedAt}
	g.acks[o.ClientID] = ack

	if g.cfg.AckDelay > 0 {
		// Async venue: the caller learns the exchange id from the
		// event stream. A chaos-dropped ack leaves the order dark
		// until the client queries it.
		g.scheduleAck(po.ClientID, po.ExchangeID)
		return exchange.Ack{ClientID: o.ClientID, At: ack.At}, nil
	}

	po.ackSent = true
	return ack, nil
}

func (g *Gateway) scheduleAck(clientID, exchangeID string) {
	if g.chaos.MaybeDrop("ack") {
		return
	}
	time.AfterFunc(g.cfg.AckDelay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		po, ok := g.orders[clientID]
		if !ok || po.State.Terminal() {
			return
		}
		po.ackSent = true
		g.sendEvent(exchange.Event{
			Kind:       exchange.EventAck,
			ClientID:   clientID,
			ExchangeID: exchangeID,
			Symbol:     po.Symbol,
			At:         time.Now(),
		})
	})
}

// Cancel removes a resting order.
func (g *Gateway) Cancel(ctx context.Context, symbol, clientID, exchangeID string) error {
	if err := g.chaos.MaybeDelay(ctx, "cancel"); err != nil {
		return trade.Transient("cancel", err)
	}
	if g.chaos.MaybeDrop("cancel") {
		return trade.Transient("cancel", errRequestDropped)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	po, ok := g.orders[clientID]
	if !ok {
		return trade.ErrUnknownOrder
	}
	if po.State.Terminal() {
		return trade.Reject(codeOrderFinal, fmt.Sprintf("order %s is %s", clientID, po.State))
	}
	po.State = trade.StateCancelled
	po.UpdatedAt = time.Now()
	g.sendEvent(exchange.Event{
		Kind:       exchange.EventCancelled,
		ClientID:   clientID,
		ExchangeID: po.ExchangeID,
		Symbol:     po.Symbol,
		At:         po.UpdatedAt,
	})
	return nil
}

// QueryStatus returns the venue's view of one order. Querying an order
// whose async ack was lost marks it reachable again, mirroring a real
// venue where a status poll proves the client knows the order.
func (g *Gateway) QueryStatus(ctx context.Context, symbol, clientID string) (exchange.OrderStatus, error) {
	if err := g.chaos.MaybeDelay(ctx, "query"); err != nil {
		return exchange.OrderStatus{}, trade.Transient("query", err)
	}
	if g.chaos.MaybeDrop("query") {
		return exchange.OrderStatus{}, trade.Transient("query", errRequestDropped)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	po, ok := g.orders[clientID]
	if !ok {
		return exchange.OrderStatus{}, trade.ErrUnknownOrder
	}
	po.ackSent = true
	return statusOf(po), nil
}

// OpenOrders lists non-terminal orders for a symbol.
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]exchange.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []exchange.OrderStatus
	for _, po := range g.orders {
		if po.Symbol == symbol && !po.State.Terminal() {
			out = append(out, statusOf(po))
		}
	}
	return out, nil
}

// Balance reports simulated cash. The asset parameter is ignored; the
// paper venue settles everything in one quote currency.
func (g *Gateway) Balance(ctx context.Context, asset string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cash, nil
}

func (g *Gateway) Events() <-chan exchange.Event { return g.events }

func (g *Gateway) Ticks() <-chan trade.Tick { return g.ticks }

// Close stops the walk and closes both channels.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.stop)
	g.mu.Unlock()

	g.wg.Wait()

	g.mu.Lock()
	close(g.events)
	close(g.ticks)
	g.mu.Unlock()
	return nil
}

// sendEvent delivers without blocking; a full buffer drops the event
// and relies on the client reconciling. Callers hold g.mu.
func (g *Gateway) sendEvent(ev exchange.Event) {
	if g.closed {
		return
	}
	select {
	case g.events <- ev:
	default:
		g.logger.Warn("event buffer full, dropping",
			zap.String("kind", ev.Kind.String()),
			zap.String("client_id", ev.ClientID),
		)
	}
}

func (g *Gateway) sendTick(tick trade.Tick) {
	if g.closed {
		return
	}
	select {
	case g.ticks <- tick:
	default:
	}
}

func statusOf(po *paperOrder) exchange.OrderStatus {
	return exchange.OrderStatus{
		ClientID:     po.ClientID,
		ExchangeID:   po.ExchangeID,
		Symbol:       po.Symbol,
		Side:         po.Side,
		State:        po.State,
		Qty:          po.Qty,
		Price:        po.Price,
		FilledQty:    po.FilledQty,
		AvgFillPrice: po.AvgFillPrice,
		At:           po.UpdatedAt,
	}
}
