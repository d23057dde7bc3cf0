package market

import (
	"context"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/trade"
)

// symbolBuffer is sized so a briefly slow strategy never stalls the
// feed; when it overflows the oldest data is already stale and the
// newest tick is dropped instead of blocking other symbols.
const symbolBuffer = 256

// Feed normalizes the gateway tick stream: it enforces strictly
// increasing sequence numbers per symbol, updates the price board, and
// fans ticks out to one channel per configured symbol. Downstream
// consumers never see a duplicate or out-of-order tick.
type Feed struct {
	in       <-chan trade.Tick
	board    *Board
	outs     map[string]chan trade.Tick
	lastSeq  map[string]uint64
	observer func(trade.Tick)
	logger   *zap.Logger
}

// NewFeed creates a feed for the configured symbols. Ticks for symbols
// outside the list are dropped.
func NewFeed(in <-chan trade.Tick, symbols []string, board *Board, logger *zap.Logger) *Feed {
	outs := make(map[string]chan trade.Tick, len(symbols))
	for _, sym := range symbols {
		outs[sym] = make(chan trade.Tick, symbolBuffer)
	}
	return &Feed{
		in:      in,
		board:   board,
		outs:    outs,
		lastSeq: make(map[string]uint64, len(symbols)),
		logger:  logger,
	}
}

// Subscribe returns the ordered tick channel for a symbol. The channel
// is closed when the feed stops.
func (f *Feed) Subscribe(symbol string) <-chan trade.Tick {
	return f.outs[symbol]
}

// SetObserver registers a callback invoked for every accepted tick,
// after ordering checks and the board update. Set before Run; the
// callback must not block.
func (f *Feed) SetObserver(fn func(trade.Tick)) {
	f.observer = fn
}

// Run consumes the inbound stream until it closes or ctx is cancelled,
// then closes all symbol channels.
func (f *Feed) Run(ctx context.Context) {
	defer func() {
		for _, ch := range f.outs {
			close(ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-f.in:
			if !ok {
				return
			}
			f.handle(tick)
		}
	}
}

func (f *Feed) handle(tick trade.Tick) {
	out, ok := f.outs[tick.Symbol]
	if !ok {
		obs.IncTickDropped("unknown_symbol")
		return
	}

	last, seen := f.lastSeq[tick.Symbol]
	if seen && tick.Seq <= last {
		// Duplicate or regression from a reconnect replay.
		obs.IncTickDropped("out_of_order")
		f.logger.Debug("dropped out-of-order tick",
			zap.String("symbol", tick.Symbol),
			zap.Uint64("seq", tick.Seq),
			zap.Uint64("last_seq", last),
		)
		return
	}
	f.lastSeq[tick.Symbol] = tick.Seq

	f.board.Update(tick)
	if f.observer != nil {
		f.observer(tick)
	}

	select {
	case out <- tick:
	default:
		// Consumer is behind; newest tick is dropped rather than
		// blocking the other symbols.
		obs.IncTickDropped("backpressure")
		f.logger.Warn("symbol consumer behind, tick dropped",
			zap.String("symbol", tick.Symbol),
			zap.Uint64("seq", tick.Seq),
		)
	}
}
