package feed

import (
	"context"

	"pumpengine/src/model"
)

// Feed streams indicator ticks into the engine. Implementations own
// their transport; the engine owns the channel and its lifetime.
type Feed interface {
	Name() string

	// Run blocks, delivering ticks to out until the context is cancelled
	// or the source is exhausted. Backtest feeds return nil at the end of
	// their data; live feeds only return on cancellation or a fatal
	// transport error.
	Run(ctx context.Context, out chan<- model.IndicatorTick) error
}
