package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc processes one event. Returning an error (or exceeding the
// handler's timeout) counts as a failure for that event and feeds the retry
// path.
type HandlerFunc func(ctx context.Context, ev EngineEvent) error

// Handler is a registered, named consumer with its own concurrency policy.
// The bus performs invocation; a handler never reaches into bus internals.
type Handler struct {
	// Name identifies the handler; concurrency tracking is keyed by it.
	Name string
	// EventTypes filters by event type. Empty accepts all types.
	EventTypes []string
	// Categories filters by category. Empty accepts all categories.
	Categories []Category
	// Priority orders invocation among matching handlers, ascending.
	Priority int
	// Concurrent permits the handler to run on multiple events at once,
	// bounded by MaxConcurrency. Serial handlers run one event at a time.
	Concurrent bool
	// MaxConcurrency bounds parallel invocations when Concurrent is true.
	// Zero means 1.
	MaxConcurrency int
	// Timeout bounds one invocation. Zero uses the bus default.
	Timeout time.Duration
	// Fn is the processing function.
	Fn HandlerFunc
}

// Matches reports whether the handler accepts the event.
func (h *Handler) Matches(ev *EngineEvent) bool {
	if len(h.EventTypes) > 0 && !containsString(h.EventTypes, ev.Type) {
		return false
	}
	if len(h.Categories) > 0 && !containsCategory(h.Categories, ev.Category) {
		return false
	}
	return true
}

func (h *Handler) maxInflight() int {
	if !h.Concurrent {
		return 1
	}
	if h.MaxConcurrency <= 0 {
		return 1
	}
	return h.MaxConcurrency
}

// inflightTracker enforces per-handler concurrency limits across events.
type inflightTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{counts: make(map[string]int)}
}

// acquire reserves an invocation slot for the handler. An invocation that
// would exceed the declared policy is rejected, which counts as a failure
// for the event being processed.
func (t *inflightTracker) acquire(h *Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counts[h.Name] >= h.maxInflight() {
		return fmt.Errorf("handler %q at concurrency limit (%d)", h.Name, h.maxInflight())
	}
	t.counts[h.Name]++
	return nil
}

func (t *inflightTracker) release(h *Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[h.Name] > 0 {
		t.counts[h.Name]--
	}
}

// active returns the number of handlers with at least one in-flight invocation.
func (t *inflightTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.counts {
		if c > 0 {
			n++
		}
	}
	return n
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsCategory(list []Category, c Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
