// Package strategy holds the decision layer: pure functions from market
// state to intents. Strategies never talk to the exchange; every intent
// they emit passes through the risk gate before anything is sent.
package strategy

import (
	"fmt"
	"sort"

	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/trade"
)

// Strategy turns ticks into intents. OnTick runs on the symbol's
// pipeline goroutine with an immutable ledger snapshot; implementations
// keep per-symbol state internally and must not block.
type Strategy interface {
	Name() string
	OnTick(tick trade.Tick, snap ledger.Snapshot) []trade.Intent
}

// Params are the knobs shared by the shipped strategies.
type Params struct {
	FastPeriod int
	SlowPeriod int
	OrderQty   float64
	EquityFrac float64
}

type factory func(Params) Strategy

var registry = map[string]factory{}

func register(name string, f factory) {
	registry[name] = f
}

// New builds the named strategy. Unknown names are a configuration
// error reported with the available choices.
func New(name string, p Params) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		names := make([]string, 0, len(registry))
		for n := range registry {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, names)
	}
	return f(p), nil
}
