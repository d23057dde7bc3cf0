package strategy

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/risk"
	"github.com/primetrades/primetrades/internal/trade"
)

// Placer accepts approved draft orders for execution.
type Placer interface {
	Place(o trade.Order) error
}

// Runner drives one pipeline goroutine per symbol: ordered ticks in,
// strategy decision, risk check, engine hand-off. Symbols progress
// independently; a slow strategy on one symbol never delays another.
type Runner struct {
	feed    *market.Feed
	board   *market.Board
	strat   Strategy
	ledger  *ledger.Ledger
	gate    *risk.Gate
	placer  Placer
	symbols []string
	logger  *zap.Logger
	paused  atomic.Bool
}

// NewRunner wires the pipeline. The runner starts running; call Pause
// to hold strategy trading while leaving manual control active.
func NewRunner(feed *market.Feed, board *market.Board, strat Strategy, l *ledger.Ledger,
	gate *risk.Gate, placer Placer, symbols []string, logger *zap.Logger) *Runner {
	return &Runner{
		feed:    feed,
		board:   board,
		strat:   strat,
		ledger:  l,
		gate:    gate,
		placer:  placer,
		symbols: symbols,
		logger:  logger,
	}
}

// Run blocks until every symbol pipeline has drained. Pipelines stop
// when the feed closes their channel or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sym := range r.symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			r.runSymbol(ctx, symbol)
		}(sym)
	}
	wg.Wait()
}

func (r *Runner) runSymbol(ctx context.Context, symbol string) {
	ticks := r.feed.Subscribe(symbol)
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			r.handleTick(tick)
		}
	}
}

func (r *Runner) handleTick(tick trade.Tick) {
	snap := r.ledger.Snapshot()
	obs.SetEquity(snap.Equity(r.board.Marks()))

	intents := r.strat.OnTick(tick, snap)
	if r.paused.Load() {
		// Strategy state stays warm during a pause; its intents are
		// simply not acted on.
		return
	}

	for _, intent := range intents {
		order, violation := r.gate.Evaluate(intent, snap)
		if violation != nil {
			obs.IncRiskReject(string(violation.Reason))
			r.logger.Warn("intent rejected by risk gate",
				zap.String("symbol", intent.Symbol),
				zap.String("side", string(intent.Side)),
				zap.String("strategy", intent.Strategy),
				zap.String("reason", string(violation.Reason)),
				zap.String("detail", violation.Detail),
			)
			continue
		}
		if err := r.placer.Place(order); err != nil {
			// The reservation must not outlive a failed hand-off.
			r.gate.Release(order.ClientID)
			r.logger.Error("failed to place approved order",
				zap.String("client_id", order.ClientID),
				zap.Error(err),
			)
		}
	}
}

// Pause holds strategy-driven trading. Ticks keep flowing so marks and
// strategy state stay current; only intent emission is suppressed.
func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("strategy trading paused")
}

// Resume re-enables strategy-driven trading.
func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("strategy trading resumed")
}

// Paused reports whether strategy trading is held.
func (r *Runner) Paused() bool {
	return r.paused.Load()
}
