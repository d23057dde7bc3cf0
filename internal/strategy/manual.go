package strategy

import (
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/trade"
)

func init() {
	register("manual", func(Params) Strategy { return manual{} })
}

// manual emits nothing on ticks. Intents arrive through the control API
// and CLI instead; running this strategy turns the bot into a pure
// execution engine.
type manual struct{}

func (manual) Name() string { return "manual" }

func (manual) OnTick(trade.Tick, ledger.Snapshot) []trade.Intent { return nil }
