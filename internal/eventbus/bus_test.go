package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FlushInterval:     5 * time.Millisecond,
		RetryDelay:        10 * time.Millisecond,
		DefaultMaxRetries: 3,
	}
}

func startBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

// ---------------------------------------------------------------------------
// delivery
// ---------------------------------------------------------------------------

func TestBus_HandlerReceivesMatchingEvents(t *testing.T) {
	b := startBus(t, testConfig())

	var got atomic.Int64
	require.NoError(t, b.RegisterHandler(Handler{
		Name:       "counter",
		EventTypes: []string{"order_filled"},
		Fn: func(_ context.Context, _ EngineEvent) error {
			got.Add(1)
			return nil
		},
	}))

	b.Emit(context.Background(), "order_filled", CategoryTrade, "test", nil)
	b.Emit(context.Background(), "other_type", CategoryTrade, "test", nil)

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.GreaterOrEqual(t, stats.Completed, int64(1))
}

func TestBus_CriticalProcessedSynchronously(t *testing.T) {
	// No Start: only immediate-priority events can complete.
	b := New(testConfig())

	var called atomic.Bool
	require.NoError(t, b.RegisterHandler(Handler{
		Name: "sync",
		Fn: func(_ context.Context, _ EngineEvent) error {
			called.Store(true)
			return nil
		},
	}))

	ev := b.Emit(context.Background(), "margin_call", CategoryRisk, "test", nil,
		WithPriority(PriorityCritical))

	assert.True(t, called.Load(), "critical events bypass the batch loop")
	assert.Equal(t, StatusCompleted, ev.Status)

	normal := b.Emit(context.Background(), "heartbeat", CategorySystem, "test", nil)
	assert.Equal(t, StatusPending, normal.Status)
}

func TestBus_AllMatchingHandlersInvoked(t *testing.T) {
	b := New(testConfig())

	var mu sync.Mutex
	var invoked []string
	record := func(name string) {
		mu.Lock()
		invoked = append(invoked, name)
		mu.Unlock()
	}

	require.NoError(t, b.RegisterHandler(Handler{
		Name: "second", Priority: 2,
		Fn: func(_ context.Context, _ EngineEvent) error { record("second"); return nil },
	}))
	require.NoError(t, b.RegisterHandler(Handler{
		Name: "first", Priority: 1,
		Fn: func(_ context.Context, _ EngineEvent) error { record("first"); return nil },
	}))

	b.Emit(context.Background(), "tick", CategorySystem, "test", nil,
		WithPriority(PriorityCritical))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"first", "second"}, invoked)
}

func TestBus_DuplicateHandlerNameRejected(t *testing.T) {
	b := New(testConfig())
	h := Handler{Name: "dup", Fn: func(_ context.Context, _ EngineEvent) error { return nil }}
	require.NoError(t, b.RegisterHandler(h))
	assert.Error(t, b.RegisterHandler(h))
	assert.Error(t, b.RegisterHandler(Handler{Name: "nofn"}))
}

// ---------------------------------------------------------------------------
// retry and dead-letter
// ---------------------------------------------------------------------------

func TestBus_DeadLetterAfterExhaustedRetries(t *testing.T) {
	b := New(testConfig())

	var attempts atomic.Int64
	var deadLettered atomic.Int64
	b.SetTerminalHook(func(ev EngineEvent) {
		if ev.Status == StatusDeadLetter {
			deadLettered.Add(1)
		}
	})
	require.NoError(t, b.RegisterHandler(Handler{
		Name:       "always-fails",
		EventTypes: []string{"export_row"},
		Fn: func(_ context.Context, _ EngineEvent) error {
			attempts.Add(1)
			return fmt.Errorf("downstream unavailable")
		},
	}))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	ev := b.Emit(context.Background(), "export_row", CategorySystem, "test", nil)

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// MaxRetries bounds total attempts, not retries after the first.
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, int64(1), deadLettered.Load())

	letters := b.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, ev.ID, letters[0].ID)
	assert.Equal(t, StatusDeadLetter, letters[0].Status)
	assert.Contains(t, letters[0].FailureReason, "downstream unavailable")

	// The dead-letter announcement itself must not recurse into the queue.
	require.Eventually(t, func() bool {
		return len(b.Events([]string{TypeEventDeadLetter}, nil)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, b.DeadLetters(), 1)
}

func TestBus_RetryDeadLettersReplays(t *testing.T) {
	b := startBus(t, testConfig())

	var failing atomic.Bool
	failing.Store(true)
	var completed atomic.Int64
	require.NoError(t, b.RegisterHandler(Handler{
		Name:       "flaky",
		EventTypes: []string{"export_row"},
		Fn: func(_ context.Context, _ EngineEvent) error {
			if failing.Load() {
				return fmt.Errorf("still broken")
			}
			completed.Add(1)
			return nil
		},
	}))

	b.Emit(context.Background(), "export_row", CategorySystem, "test", nil)
	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failing.Store(false)
	n := b.RetryDeadLetters()
	assert.Equal(t, 1, n)
	assert.Empty(t, b.DeadLetters())

	require.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_RetryDeadLettersSelective(t *testing.T) {
	b := New(testConfig())

	// Seed the dead-letter queue directly through the failure path.
	require.NoError(t, b.RegisterHandler(Handler{
		Name: "fails",
		Fn:   func(_ context.Context, _ EngineEvent) error { return fmt.Errorf("no") },
	}))
	first := b.Emit(context.Background(), "a", CategorySystem, "test", nil,
		WithPriority(PriorityCritical), WithMaxRetries(1))
	second := b.Emit(context.Background(), "b", CategorySystem, "test", nil,
		WithPriority(PriorityCritical), WithMaxRetries(1))

	require.Len(t, b.DeadLetters(), 2)

	n := b.RetryDeadLetters(second.ID)
	assert.Equal(t, 1, n)

	letters := b.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, first.ID, letters[0].ID)
}

func TestBus_SerialHandlerConcurrencyRejectionRetries(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.DefaultMaxRetries = 6
	b := startBus(t, cfg)

	var inFlight atomic.Int64
	var maxSeen atomic.Int64
	var done atomic.Int64
	require.NoError(t, b.RegisterHandler(Handler{
		Name: "serial",
		Fn: func(_ context.Context, _ EngineEvent) error {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		},
	}))

	for i := 0; i < 3; i++ {
		b.Emit(context.Background(), "tick", CategorySystem, "test", nil)
	}

	require.Eventually(t, func() bool { return done.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), maxSeen.Load(), "serial handler must never overlap")
	assert.Empty(t, b.DeadLetters())
	assert.GreaterOrEqual(t, b.Stats().Retried, int64(1),
		"slot rejections feed the retry path")
}

// ---------------------------------------------------------------------------
// store, subscriptions, streams
// ---------------------------------------------------------------------------

func TestBus_StoreEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEvents = 5
	b := New(cfg)

	var evIDs []string
	for i := 0; i < 10; i++ {
		ev := b.Emit(context.Background(), "tick", CategorySystem, "test", i)
		evIDs = append(evIDs, ev.ID)
	}

	stored := b.Events(nil, nil)
	assert.Len(t, stored, 5)

	_, ok := b.Event(evIDs[0])
	assert.False(t, ok, "evicted event must leave the index")
	_, ok = b.Event(evIDs[9])
	assert.True(t, ok)
}

func TestBus_SubscriptionFiltersAndDelivers(t *testing.T) {
	b := New(testConfig())

	var got []EngineEvent
	_, err := b.Subscribe(Subscription{
		Name:       "trades-only",
		Categories: []Category{CategoryTrade},
		Filters: []Predicate{
			func(ev EngineEvent) bool { return ev.Source == "wanted" },
		},
		Fn: func(ev EngineEvent) { got = append(got, ev) },
	})
	require.NoError(t, err)

	// Subscriptions see completed events only; use critical for synchronous
	// processing.
	b.Emit(context.Background(), "fill", CategoryTrade, "wanted", nil, WithPriority(PriorityCritical))
	b.Emit(context.Background(), "fill", CategoryTrade, "other", nil, WithPriority(PriorityCritical))
	b.Emit(context.Background(), "alert", CategorySystem, "wanted", nil, WithPriority(PriorityCritical))

	require.Len(t, got, 1)
	assert.Equal(t, "fill", got[0].Type)
	assert.Equal(t, "wanted", got[0].Source)
}

func TestBus_SubscribeReplayCappedAt100(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 120; i++ {
		b.Emit(context.Background(), "tick", CategorySystem, "test", i)
	}

	var replayed []EngineEvent
	_, err := b.Subscribe(Subscription{
		Name:       "replayer",
		EventTypes: []string{"tick"},
		Replay:     true,
		Fn:         func(ev EngineEvent) { replayed = append(replayed, ev) },
	})
	require.NoError(t, err)

	require.Len(t, replayed, 100)
	// The cap keeps the most recent events.
	assert.Equal(t, 20, replayed[0].Payload)
	assert.Equal(t, 119, replayed[99].Payload)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(testConfig())

	var got atomic.Int64
	id, err := b.Subscribe(Subscription{
		Name: "temp",
		Fn:   func(_ EngineEvent) { got.Add(1) },
	})
	require.NoError(t, err)

	b.Emit(context.Background(), "a", CategorySystem, "test", nil, WithPriority(PriorityCritical))
	require.NoError(t, b.Unsubscribe(id))
	b.Emit(context.Background(), "b", CategorySystem, "test", nil, WithPriority(PriorityCritical))

	assert.Equal(t, int64(1), got.Load())
	assert.Error(t, b.Unsubscribe(id))
}

func TestStream_BoundAndRetention(t *testing.T) {
	b := New(testConfig())
	s, err := b.AddStream(StreamConfig{
		Name:       "ticks",
		EventTypes: []string{"tick"},
		MaxEvents:  3,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Emit(context.Background(), "tick", CategorySystem, "test", i)
	}
	b.Emit(context.Background(), "other", CategorySystem, "test", nil)

	events := s.Events()
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Payload)
	assert.Equal(t, 4, events[2].Payload)

	// Retention pruning on read.
	aged := newStream(StreamConfig{Name: "aged", Retention: 10 * time.Millisecond})
	aged.append(EngineEvent{ID: "old", Timestamp: time.Now().Add(-time.Second)})
	aged.append(EngineEvent{ID: "new", Timestamp: time.Now()})
	kept := aged.Events()
	require.Len(t, kept, 1)
	assert.Equal(t, "new", kept[0].ID)

	_, err = b.AddStream(StreamConfig{Name: "ticks"})
	assert.Error(t, err, "duplicate stream name")
}

// ---------------------------------------------------------------------------
// health
// ---------------------------------------------------------------------------

func TestBus_HealthThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueDepth = 2
	b := New(cfg)

	assert.True(t, b.Health().Healthy)

	for i := 0; i < 5; i++ {
		b.Emit(context.Background(), "tick", CategorySystem, "test", nil)
	}

	h := b.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, 5, h.QueueDepth)
	require.NotEmpty(t, h.Reasons)
	assert.Contains(t, h.Reasons[0], "queue depth")
}

func TestBus_HandlerTimeoutIsFailure(t *testing.T) {
	b := New(testConfig())
	require.NoError(t, b.RegisterHandler(Handler{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Fn: func(ctx context.Context, _ EngineEvent) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}))

	b.Emit(context.Background(), "tick", CategorySystem, "test", nil,
		WithPriority(PriorityCritical), WithMaxRetries(1))

	letters := b.DeadLetters()
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].FailureReason, "timed out")
}

func TestBus_HandlerPanicIsFailure(t *testing.T) {
	b := New(testConfig())
	require.NoError(t, b.RegisterHandler(Handler{
		Name: "panics",
		Fn:   func(_ context.Context, _ EngineEvent) error { panic("boom") },
	}))

	b.Emit(context.Background(), "tick", CategorySystem, "test", nil,
		WithPriority(PriorityCritical), WithMaxRetries(1))

	letters := b.DeadLetters()
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].FailureReason, "boom")
}
