package archive

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-trading/halcyon/internal/eventbus"
	"github.com/halcyon-trading/halcyon/internal/model"
)

type captureInserter struct {
	mu        sync.Mutex
	events    []EventRow
	decisions []DecisionRow
	failNext  bool
}

func (c *captureInserter) InsertEvents(_ context.Context, rows []EventRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return fmt.Errorf("connection refused")
	}
	c.events = append(c.events, rows...)
	return nil
}

func (c *captureInserter) InsertDecisions(_ context.Context, rows []DecisionRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, rows...)
	return nil
}

func (c *captureInserter) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events), len(c.decisions)
}

func archEvent(id string) eventbus.EngineEvent {
	return eventbus.EngineEvent{
		ID:        id,
		Type:      eventbus.TypeTradeDecision,
		Category:  eventbus.CategoryTrade,
		Source:    "halcyon-1",
		Priority:  eventbus.PriorityNormal,
		Status:    eventbus.StatusCompleted,
		Payload:   map[string]string{"k": "v"},
		Timestamp: time.Now(),
	}
}

func archDecision(id string) model.TradeDecision {
	now := time.Now()
	return model.TradeDecision{
		ID:         id,
		Symbol:     "BTC-USDT",
		Action:     model.ActionBuy,
		Quantity:   decimal.NewFromFloat(1.5),
		Confidence: 80,
		Priority:   model.PriorityMedium,
		SignalIDs:  []string{"sig-1"},
		Risk:       model.RiskAssessment{Approved: true, Score: 15},
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	sink := &captureInserter{}
	w := NewWriter(sink, WriterConfig{BatchSize: 3, FlushInterval: time.Hour})

	w.RecordEvent(archEvent("ev-1"))
	w.RecordEvent(archEvent("ev-2"))
	events, _ := sink.counts()
	assert.Equal(t, 0, events, "below the batch size nothing is written")

	w.RecordEvent(archEvent("ev-3"))
	events, _ = sink.counts()
	assert.Equal(t, 3, events)

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.EventsBuffered)
	assert.Equal(t, int64(3), stats.RowsWritten)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestWriter_RowMapping(t *testing.T) {
	sink := &captureInserter{}
	w := NewWriter(sink, WriterConfig{BatchSize: 1, FlushInterval: time.Hour})

	w.RecordEvent(archEvent("ev-1"))
	w.RecordDecision(archDecision("dec-1"))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, "trade", ev.Category)
	assert.Equal(t, "completed", ev.Status)
	assert.JSONEq(t, `{"k":"v"}`, ev.Payload)

	require.Len(t, sink.decisions, 1)
	d := sink.decisions[0]
	assert.Equal(t, "dec-1", d.DecisionID)
	assert.Equal(t, "buy", d.Action)
	assert.InDelta(t, 1.5, d.Quantity, 0.0001)
	assert.True(t, d.RiskApproved)
	assert.Equal(t, []string{"sig-1"}, d.SignalIDs)
}

func TestWriter_PeriodicFlush(t *testing.T) {
	sink := &captureInserter{}
	w := NewWriter(sink, WriterConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	var flushed sync.WaitGroup
	flushed.Add(1)
	var once sync.Once
	w.SetFlushHook(func(events, decisions int, err error) {
		once.Do(flushed.Done)
	})

	w.Start(context.Background())
	defer w.Close()

	w.RecordDecision(archDecision("dec-1"))
	require.Eventually(t, func() bool {
		_, decisions := sink.counts()
		return decisions == 1
	}, time.Second, 5*time.Millisecond)
	flushed.Wait()
}

func TestWriter_FailedFlushDropsRows(t *testing.T) {
	sink := &captureInserter{failNext: true}
	w := NewWriter(sink, WriterConfig{BatchSize: 2, FlushInterval: time.Hour})

	w.RecordEvent(archEvent("ev-1"))
	w.RecordEvent(archEvent("ev-2"))

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.RowsDropped)
	assert.Equal(t, int64(1), stats.FlushErrors)
	assert.Equal(t, int64(0), stats.RowsWritten)

	// The writer keeps accepting rows after a failed flush.
	w.RecordEvent(archEvent("ev-3"))
	w.RecordEvent(archEvent("ev-4"))
	events, _ := sink.counts()
	assert.Equal(t, 2, events)
	assert.Equal(t, int64(2), w.Stats().RowsWritten)
}

func TestWriter_PartialFlushFailureCountsSidesSeparately(t *testing.T) {
	sink := &captureInserter{failNext: true}
	w := NewWriter(sink, WriterConfig{BatchSize: 100, FlushInterval: time.Hour})

	w.RecordEvent(archEvent("ev-1"))
	w.RecordDecision(archDecision("dec-1"))
	w.Flush(context.Background())

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.RowsDropped, "only the failed event batch is dropped")
	assert.Equal(t, int64(1), stats.RowsWritten, "the decision batch still lands")
	assert.Equal(t, int64(1), stats.FlushErrors)

	_, decisions := sink.counts()
	assert.Equal(t, 1, decisions)
}

func TestWriter_CloseDrains(t *testing.T) {
	sink := &captureInserter{}
	w := NewWriter(sink, WriterConfig{BatchSize: 100, FlushInterval: time.Hour})
	w.Start(context.Background())

	w.RecordEvent(archEvent("ev-1"))
	w.RecordDecision(archDecision("dec-1"))
	w.Close()

	events, decisions := sink.counts()
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, decisions)
}
