package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/model"
)

// FlushFunc receives the processed batch for one symbol when its aggregation
// window closes.
type FlushFunc func(symbol string, batch []model.ProcessedSignal)

// Aggregator queues signals per symbol and debounces: every arrival resets
// the symbol's timer, and the queue is flushed through the full pipeline once
// no new signal has arrived for the window duration. This is the only place
// the signal subsystem keeps state across calls.
type Aggregator struct {
	processor *Processor
	window    time.Duration
	flush     FlushFunc

	mu     sync.Mutex
	queues map[string][]model.StrategySignal
	timers map[string]*time.Timer
	closed bool
}

// NewAggregator creates an aggregator over the given processor.
func NewAggregator(p *Processor, window time.Duration, flush FlushFunc) *Aggregator {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Aggregator{
		processor: p,
		window:    window,
		flush:     flush,
		queues:    make(map[string][]model.StrategySignal),
		timers:    make(map[string]*time.Timer),
	}
}

// Enqueue queues a signal for its symbol and reschedules the symbol's
// debounce timer.
func (a *Aggregator) Enqueue(sig model.StrategySignal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	a.queues[sig.Symbol] = append(a.queues[sig.Symbol], sig)

	// Cancel-and-reschedule on every arrival.
	if t, ok := a.timers[sig.Symbol]; ok {
		t.Stop()
	}
	symbol := sig.Symbol
	a.timers[symbol] = time.AfterFunc(a.window, func() {
		a.flushSymbol(symbol)
	})
}

// Pending returns the queued signal count for a symbol.
func (a *Aggregator) Pending(symbol string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[symbol])
}

// flushSymbol drains one symbol's queue through the processor and hands the
// result to the flush callback.
func (a *Aggregator) flushSymbol(symbol string) {
	a.mu.Lock()
	batch := a.queues[symbol]
	delete(a.queues, symbol)
	delete(a.timers, symbol)
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	processed, err := a.processor.Process(context.Background(), batch)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("aggregation flush failed")
		return
	}
	if a.flush != nil {
		a.flush(symbol, processed)
	}
}

// Close stops all timers and flushes whatever is still queued.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	symbols := make([]string, 0, len(a.queues))
	for sym := range a.queues {
		symbols = append(symbols, sym)
	}
	for _, t := range a.timers {
		t.Stop()
	}
	a.mu.Unlock()

	for _, sym := range symbols {
		a.flushSymbol(sym)
	}
}
