package eventbus

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Predicate is an arbitrary subscription filter.
type Predicate func(ev EngineEvent) bool

// Subscription is a filtered observer. Unlike handlers, subscription delivery
// is best-effort: a panicking callback is logged and does not feed the retry
// path.
type Subscription struct {
	ID         string
	Name       string
	EventTypes []string
	Categories []Category
	Filters    []Predicate
	// Replay, when set at subscribe time, feeds up to the last 100 matching
	// stored events before live delivery begins.
	Replay bool
	Fn     func(ev EngineEvent)
}

// replayLimit caps how many stored events a replay-enabled subscription
// receives on attach.
const replayLimit = 100

// matches applies type, category, and predicate filters.
func (s *Subscription) matches(ev *EngineEvent) bool {
	if len(s.EventTypes) > 0 && !containsString(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Categories) > 0 && !containsCategory(s.Categories, ev.Category) {
		return false
	}
	for _, f := range s.Filters {
		if !f(*ev) {
			return false
		}
	}
	return true
}

// deliver invokes the callback, isolating panics.
func (s *Subscription) deliver(ev EngineEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("subscription", s.Name).
				Str("event_id", ev.ID).
				Interface("panic", r).
				Msg("subscription callback panicked")
		}
	}()
	s.Fn(ev)
}

func newSubscriptionID() string {
	return uuid.New().String()
}
