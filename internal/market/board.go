package market

import (
	"sync"
	"time"

	"github.com/primetrades/primetrades/internal/trade"
)

// Board caches the most recent price per symbol. The feed writes it on
// every accepted tick; the risk gate and API read it for sizing and
// mark-to-market.
type Board struct {
	mu    sync.RWMutex
	marks map[string]mark
}

type mark struct {
	price float64
	seq   uint64
	at    time.Time
}

// NewBoard creates an empty price board.
func NewBoard() *Board {
	return &Board{marks: make(map[string]mark)}
}

// Update records a tick's price as the latest mark for its symbol.
func (b *Board) Update(t trade.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[t.Symbol] = mark{price: t.Price, seq: t.Seq, at: t.At}
}

// Last returns the latest price for a symbol and whether one exists.
func (b *Board) Last(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.marks[symbol]
	return m.price, ok
}

// Marks returns a copy of all current prices.
func (b *Board) Marks() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.marks))
	for sym, m := range b.marks {
		out[sym] = m.price
	}
	return out
}
