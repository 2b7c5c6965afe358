package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds bus tuning parameters.
type Config struct {
	// MaxEvents bounds the event store; the oldest events are evicted past it.
	MaxEvents int
	// MaxDeadLetters bounds the dead-letter queue.
	MaxDeadLetters int
	// BatchSize is the maximum number of pending events dequeued per tick.
	BatchSize int
	// FlushInterval is the processing loop period.
	FlushInterval time.Duration
	// RetryDelay is the base backoff; attempt n waits RetryDelay * 2^(n-1).
	RetryDelay time.Duration
	// DefaultMaxRetries applies to events emitted without WithMaxRetries.
	DefaultMaxRetries int
	// DefaultHandlerTimeout bounds handler invocations that declare no timeout.
	DefaultHandlerTimeout time.Duration

	// Health thresholds. Exceeding any flags the bus unhealthy.
	MaxQueueDepth      int
	MaxErrorRate       float64
	MaxAvgProcessingMs float64
	MaxDeadLetterDepth int
}

func (c *Config) applyDefaults() {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 10000
	}
	if c.MaxDeadLetters <= 0 {
		c.MaxDeadLetters = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultHandlerTimeout <= 0 {
		c.DefaultHandlerTimeout = 5 * time.Second
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 5000
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = 0.25
	}
	if c.MaxAvgProcessingMs <= 0 {
		c.MaxAvgProcessingMs = 1000
	}
	if c.MaxDeadLetterDepth <= 0 {
		c.MaxDeadLetterDepth = 500
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published       int64              `json:"published"`
	Completed       int64              `json:"completed"`
	Failed          int64              `json:"failed"`
	Retried         int64              `json:"retried"`
	DeadLettered    int64              `json:"dead_lettered"`
	QueueDepth      int                `json:"queue_depth"`
	ByCategory      map[Category]int64 `json:"by_category"`
	ByType          map[string]int64   `json:"by_type"`
	AvgProcessingMs float64            `json:"avg_processing_ms"`
	ErrorRate       float64            `json:"error_rate"`
}

// Health is the bus's self-assessment against configured thresholds.
type Health struct {
	Healthy         bool     `json:"healthy"`
	QueueDepth      int      `json:"queue_depth"`
	ActiveHandlers  int      `json:"active_handlers"`
	ErrorRate       float64  `json:"error_rate"`
	AvgProcessingMs float64  `json:"avg_processing_ms"`
	DeadLetterDepth int      `json:"dead_letter_depth"`
	Reasons         []string `json:"reasons,omitempty"`
}

// Bus routes events to handlers and subscriptions with per-handler
// concurrency control, retry with exponential backoff, and dead-lettering.
// The bus exclusively owns the event store, dead-letter queue, and
// handler/subscription tables.
type Bus struct {
	cfg Config

	mu          sync.RWMutex
	store       []*EngineEvent
	index       map[string]*EngineEvent
	queue       []*EngineEvent
	deadLetters []*EngineEvent
	handlers    []*Handler
	subs        map[string]*Subscription
	streams     map[string]*Stream

	inflight *inflightTracker

	// terminal is invoked for every event reaching completed or dead_letter.
	terminal func(ev EngineEvent)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// counters
	published    atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	procNanos    atomic.Int64
	procCount    atomic.Int64

	statMu     sync.Mutex
	byCategory map[Category]int64
	byType     map[string]int64
}

// New creates a bus with the given config. Zero-value fields take defaults.
func New(cfg Config) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:         cfg,
		store:       make([]*EngineEvent, 0, cfg.MaxEvents),
		index:       make(map[string]*EngineEvent),
		deadLetters: make([]*EngineEvent, 0, cfg.MaxDeadLetters),
		subs:        make(map[string]*Subscription),
		streams:     make(map[string]*Stream),
		inflight:    newInflightTracker(),
		byCategory:  make(map[Category]int64),
		byType:      make(map[string]int64),
	}
}

// SetTerminalHook registers a callback for terminal events (completed or
// dead_letter), used to mirror events to external sinks. Must be called
// before Start.
func (b *Bus) SetTerminalHook(fn func(ev EngineEvent)) {
	b.terminal = fn
}

// RegisterHandler adds a handler. Returns an error on duplicate name or
// missing processing function.
func (b *Bus) RegisterHandler(h Handler) error {
	if h.Name == "" {
		return fmt.Errorf("handler must have a name")
	}
	if h.Fn == nil {
		return fmt.Errorf("handler %q has no processing function", h.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.handlers {
		if existing.Name == h.Name {
			return fmt.Errorf("handler %q already registered", h.Name)
		}
	}
	hc := h
	b.handlers = append(b.handlers, &hc)
	log.Debug().Str("handler", h.Name).Int("priority", h.Priority).Msg("handler registered")
	return nil
}

// UnregisterHandler removes a handler by name.
func (b *Bus) UnregisterHandler(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.Name == name {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler %q not registered", name)
}

// Subscribe attaches a filtered observer and returns its id. If the
// subscription requests replay, up to the last 100 matching stored events are
// delivered before live delivery begins.
func (b *Bus) Subscribe(sub Subscription) (string, error) {
	if sub.Fn == nil {
		return "", fmt.Errorf("subscription must have a callback")
	}
	sub.ID = newSubscriptionID()

	var replay []EngineEvent
	b.mu.Lock()
	sc := sub
	b.subs[sub.ID] = &sc
	if sub.Replay {
		for _, ev := range b.store {
			if sc.matches(ev) {
				replay = append(replay, *ev)
			}
		}
		if len(replay) > replayLimit {
			replay = replay[len(replay)-replayLimit:]
		}
	}
	b.mu.Unlock()

	for _, ev := range replay {
		sc.deliver(ev)
	}
	return sub.ID, nil
}

// Unsubscribe detaches a subscription by id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("subscription %q not found", id)
	}
	delete(b.subs, id)
	return nil
}

// AddStream creates a named filtered stream over future events.
func (b *Bus) AddStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("stream must have a name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[cfg.Name]; ok {
		return nil, fmt.Errorf("stream %q already exists", cfg.Name)
	}
	s := newStream(cfg)
	b.streams[cfg.Name] = s
	return s, nil
}

// Stream returns a stream by name.
func (b *Bus) Stream(name string) (*Stream, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[name]
	return s, ok
}

// Emit publishes an event: stores it, appends it to matching streams, and
// enqueues it for processing. Critical and emergency events are processed
// synchronously in the same call. The returned event is a snapshot taken at
// publish time.
func (b *Bus) Emit(ctx context.Context, typ string, cat Category, source string, payload any, opts ...EmitOption) EngineEvent {
	ev := newEvent(typ, cat, source, payload, b.cfg.DefaultMaxRetries, opts...)

	b.mu.Lock()
	b.store = append(b.store, ev)
	if len(b.store) > b.cfg.MaxEvents {
		evicted := b.store[0]
		delete(b.index, evicted.ID)
		b.store = b.store[1:]
	}
	b.index[ev.ID] = ev
	for _, s := range b.streams {
		if s.matches(ev) {
			s.append(*ev)
		}
	}
	immediate := ev.Priority.Immediate()
	if !immediate {
		b.queue = append(b.queue, ev)
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.statMu.Lock()
	b.byCategory[ev.Category]++
	b.byType[ev.Type]++
	b.statMu.Unlock()

	if immediate {
		b.processEvent(ctx, ev)
	}
	return *ev
}

// Start launches the processing loop. It returns immediately; the loop runs
// until the context is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) error {
	if b.started.Load() {
		return fmt.Errorf("bus already started")
	}
	b.started.Store(true)

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()

		log.Info().
			Dur("flush_interval", b.cfg.FlushInterval).
			Int("batch_size", b.cfg.BatchSize).
			Msg("event bus started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.processBatch(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the processing loop and waits for in-flight batches.
func (b *Bus) Stop() {
	b.closed.Store(true)
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.started.Store(false)
	log.Info().Msg("event bus stopped")
}

// processBatch dequeues up to BatchSize pending events and processes them
// concurrently, waiting for the batch to finish.
func (b *Bus) processBatch(ctx context.Context) {
	b.mu.Lock()
	n := len(b.queue)
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	if n == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]*EngineEvent, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, ev := range batch {
		wg.Add(1)
		go func(ev *EngineEvent) {
			defer wg.Done()
			b.processEvent(ctx, ev)
		}(ev)
	}
	wg.Wait()
}

// processEvent runs all matching handlers (ascending handler priority,
// concurrently with each other) and then, on success, notifies matching
// subscriptions. Any handler failure feeds the retry path for the event.
func (b *Bus) processEvent(ctx context.Context, ev *EngineEvent) {
	start := time.Now()

	b.mu.Lock()
	if ev.Status != StatusPending {
		// Already picked up elsewhere (e.g. emitted critical while queued).
		b.mu.Unlock()
		return
	}
	ev.Status = StatusProcessing
	handlers := make([]*Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.Matches(ev) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].Priority < handlers[j].Priority
	})

	var (
		errMu    sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	snapshot := *ev
	for _, h := range handlers {
		wg.Add(1)
		go func(h *Handler) {
			defer wg.Done()
			if err := b.invokeHandler(ctx, h, snapshot); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("handler %q: %w", h.Name, err)
				}
				errMu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	b.procNanos.Add(time.Since(start).Nanoseconds())
	b.procCount.Add(1)

	if firstErr != nil {
		b.failEvent(ctx, ev, firstErr)
		return
	}

	b.mu.Lock()
	ev.Status = StatusCompleted
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(ev) {
			subs = append(subs, s)
		}
	}
	done := *ev
	b.mu.Unlock()

	b.completed.Add(1)
	for _, s := range subs {
		s.deliver(done)
	}
	if b.terminal != nil {
		b.terminal(done)
	}
}

// invokeHandler runs one handler invocation under its concurrency slot and
// timeout. Timeouts and panics are failures, identical to returned errors.
func (b *Bus) invokeHandler(ctx context.Context, h *Handler, ev EngineEvent) error {
	if err := b.inflight.acquire(h); err != nil {
		return err
	}
	defer b.inflight.release(h)

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultHandlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- h.Fn(hctx, ev)
	}()

	select {
	case err := <-errCh:
		return err
	case <-hctx.Done():
		return fmt.Errorf("timed out after %s", timeout)
	}
}

// failEvent applies retry-with-backoff, dead-lettering once the retry budget
// is exhausted.
func (b *Bus) failEvent(ctx context.Context, ev *EngineEvent, cause error) {
	b.failed.Add(1)

	b.mu.Lock()
	ev.Status = StatusFailed
	ev.RetryCount++
	ev.FailureReason = cause.Error()

	if ev.RetryCount < ev.MaxRetries {
		ev.Status = StatusRetrying
		attempt := ev.RetryCount
		b.mu.Unlock()

		b.retried.Add(1)
		delay := b.cfg.RetryDelay * (1 << (attempt - 1))
		log.Warn().
			Str("event_id", ev.ID).
			Str("type", ev.Type).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(cause).
			Msg("event failed, scheduling retry")

		time.AfterFunc(delay, func() {
			if b.closed.Load() {
				return
			}
			b.mu.Lock()
			ev.Status = StatusPending
			b.queue = append(b.queue, ev)
			b.mu.Unlock()
		})
		return
	}

	ev.Status = StatusDeadLetter
	b.deadLetters = append(b.deadLetters, ev)
	if len(b.deadLetters) > b.cfg.MaxDeadLetters {
		b.deadLetters = b.deadLetters[1:]
	}
	dead := *ev
	b.mu.Unlock()

	b.deadLettered.Add(1)
	log.Error().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Int("retries", ev.RetryCount).
		Err(cause).
		Msg("event dead-lettered")

	if b.terminal != nil {
		b.terminal(dead)
	}

	// Announce the dead-letter, but never for a dead-letter announcement
	// itself, which would recurse on persistent failure.
	if ev.Type != TypeEventDeadLetter {
		b.Emit(ctx, TypeEventDeadLetter, CategorySystem, "eventbus", DeadLetterPayload{
			EventID: dead.ID,
			Type:    dead.Type,
			Reason:  dead.FailureReason,
		})
	}
}

// RetryDeadLetters re-enqueues dead-lettered events as pending with a reset
// retry budget. With no ids, the entire dead-letter queue is replayed;
// otherwise only the selected ids. Returns the number re-enqueued.
func (b *Bus) RetryDeadLetters(ids ...string) int {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.deadLetters[:0]
	n := 0
	for _, ev := range b.deadLetters {
		if len(ids) > 0 && !selected[ev.ID] {
			kept = append(kept, ev)
			continue
		}
		ev.Status = StatusPending
		ev.RetryCount = 0
		ev.FailureReason = ""
		b.queue = append(b.queue, ev)
		n++
	}
	b.deadLetters = kept
	return n
}

// DeadLetters returns a snapshot of the dead-letter queue, oldest first.
func (b *Bus) DeadLetters() []EngineEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]EngineEvent, len(b.deadLetters))
	for i, ev := range b.deadLetters {
		out[i] = *ev
	}
	return out
}

// Event returns a stored event by id.
func (b *Bus) Event(id string) (EngineEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.index[id]
	if !ok {
		return EngineEvent{}, false
	}
	return *ev, true
}

// Events returns stored events matching the given category and type filters
// (empty filters match all), oldest first.
func (b *Bus) Events(types []string, cats []Category) []EngineEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []EngineEvent
	for _, ev := range b.store {
		if len(types) > 0 && !containsString(types, ev.Type) {
			continue
		}
		if len(cats) > 0 && !containsCategory(cats, ev.Category) {
			continue
		}
		out = append(out, *ev)
	}
	return out
}

// Stats returns a snapshot of running analytics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	depth := len(b.queue)
	b.mu.RUnlock()

	b.statMu.Lock()
	byCat := make(map[Category]int64, len(b.byCategory))
	for k, v := range b.byCategory {
		byCat[k] = v
	}
	byType := make(map[string]int64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	b.statMu.Unlock()

	return Stats{
		Published:       b.published.Load(),
		Completed:       b.completed.Load(),
		Failed:          b.failed.Load(),
		Retried:         b.retried.Load(),
		DeadLettered:    b.deadLettered.Load(),
		QueueDepth:      depth,
		ByCategory:      byCat,
		ByType:          byType,
		AvgProcessingMs: b.avgProcessingMs(),
		ErrorRate:       b.errorRate(),
	}
}

// Health evaluates queue depth, error rate, processing time, and dead-letter
// depth against configured thresholds.
func (b *Bus) Health() Health {
	b.mu.RLock()
	depth := len(b.queue)
	dlDepth := len(b.deadLetters)
	b.mu.RUnlock()

	h := Health{
		Healthy:         true,
		QueueDepth:      depth,
		ActiveHandlers:  b.inflight.active(),
		ErrorRate:       b.errorRate(),
		AvgProcessingMs: b.avgProcessingMs(),
		DeadLetterDepth: dlDepth,
	}
	if depth > b.cfg.MaxQueueDepth {
		h.Healthy = false
		h.Reasons = append(h.Reasons, fmt.Sprintf("queue depth %d exceeds %d", depth, b.cfg.MaxQueueDepth))
	}
	if h.ErrorRate > b.cfg.MaxErrorRate {
		h.Healthy = false
		h.Reasons = append(h.Reasons, fmt.Sprintf("error rate %.2f exceeds %.2f", h.ErrorRate, b.cfg.MaxErrorRate))
	}
	if h.AvgProcessingMs > b.cfg.MaxAvgProcessingMs {
		h.Healthy = false
		h.Reasons = append(h.Reasons, fmt.Sprintf("avg processing %.1fms exceeds %.1fms", h.AvgProcessingMs, b.cfg.MaxAvgProcessingMs))
	}
	if dlDepth > b.cfg.MaxDeadLetterDepth {
		h.Healthy = false
		h.Reasons = append(h.Reasons, fmt.Sprintf("dead-letter depth %d exceeds %d", dlDepth, b.cfg.MaxDeadLetterDepth))
	}
	return h
}

func (b *Bus) avgProcessingMs() float64 {
	count := b.procCount.Load()
	if count == 0 {
		return 0
	}
	return float64(b.procNanos.Load()) / float64(count) / 1e6
}

func (b *Bus) errorRate() float64 {
	total := b.completed.Load() + b.failed.Load()
	if total == 0 {
		return 0
	}
	return float64(b.failed.Load()) / float64(total)
}
