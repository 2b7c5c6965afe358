package eventbus

import (
	"sync"
	"time"
)

// StreamConfig describes a named, filtered window over the event store.
type StreamConfig struct {
	Name       string
	EventTypes []string
	Categories []Category
	// MaxEvents bounds the stream buffer. Zero means 1000.
	MaxEvents int
	// Retention drops events older than this on read. Zero keeps all
	// buffered events regardless of age.
	Retention time.Duration
}

// Stream is a bounded, time-retained event window independent of handlers and
// subscriptions, intended for later inspection or export.
type Stream struct {
	cfg StreamConfig

	mu     sync.Mutex
	events []EngineEvent
}

func newStream(cfg StreamConfig) *Stream {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1000
	}
	return &Stream{
		cfg:    cfg,
		events: make([]EngineEvent, 0, cfg.MaxEvents),
	}
}

// Name returns the stream's name.
func (s *Stream) Name() string { return s.cfg.Name }

// matches applies the stream's type/category filters.
func (s *Stream) matches(ev *EngineEvent) bool {
	if len(s.cfg.EventTypes) > 0 && !containsString(s.cfg.EventTypes, ev.Type) {
		return false
	}
	if len(s.cfg.Categories) > 0 && !containsCategory(s.cfg.Categories, ev.Category) {
		return false
	}
	return true
}

// append adds an event, evicting the oldest past MaxEvents.
func (s *Stream) append(ev EngineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.MaxEvents {
		s.events = s.events[len(s.events)-s.cfg.MaxEvents:]
	}
}

// Events returns the retained window, oldest first. Events beyond the
// retention period are pruned before returning.
func (s *Stream) Events() []EngineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention)
		i := 0
		for i < len(s.events) && s.events[i].Timestamp.Before(cutoff) {
			i++
		}
		s.events = s.events[i:]
	}

	out := make([]EngineEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the current buffered event count without pruning.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
