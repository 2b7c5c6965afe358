package engine

import (
	"context"

	"github.com/halcyon-trading/halcyon/internal/eventbus"
	"github.com/halcyon-trading/halcyon/internal/model"
)

// BusEvents forwards signal-processor diagnostics onto the event bus. It
// satisfies signal.Events.
type BusEvents struct {
	bus    *eventbus.Bus
	source string
}

// NewBusEvents creates the processor-to-bus diagnostic adapter.
func NewBusEvents(bus *eventbus.Bus, source string) *BusEvents {
	return &BusEvents{bus: bus, source: source}
}

// ConflictResolved publishes the resolved conflict for observers and audit.
func (e *BusEvents) ConflictResolved(c model.SignalConflict) {
	e.bus.Emit(context.Background(), eventbus.TypeConflictResolved, eventbus.CategorySignal, e.source, c)
}

// ProcessingFailed publishes a processor failure diagnostic.
func (e *BusEvents) ProcessingFailed(err error) {
	e.bus.Emit(context.Background(), eventbus.TypeProcessorError, eventbus.CategoryError, e.source,
		eventbus.ErrorPayload{Operation: "signal_processing", Message: err.Error()},
		eventbus.WithPriority(eventbus.PriorityHigh))
}
