package archive

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/eventbus"
	"github.com/halcyon-trading/halcyon/internal/model"
)

// EventRow is the flattened archive shape of one engine event.
type EventRow struct {
	EventID       string
	EventType     string
	Category      string
	Source        string
	Priority      string
	Status        string
	Payload       string
	CorrelationID string
	CausationID   string
	RetryCount    uint8
	FailureReason string
	Timestamp     time.Time
}

// DecisionRow is the flattened archive shape of one trade decision.
type DecisionRow struct {
	DecisionID   string
	Symbol       string
	Action       string
	Quantity     float64
	Confidence   float64
	Priority     string
	SignalIDs    []string
	RiskApproved bool
	RiskScore    float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Inserter is the storage side of the writer. *Client satisfies it; tests
// substitute an in-memory capture.
type Inserter interface {
	InsertEvents(ctx context.Context, rows []EventRow) error
	InsertDecisions(ctx context.Context, rows []DecisionRow) error
}

// WriterConfig tunes the batching writer.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

func (c *WriterConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// WriterStats counts rows through the writer.
type WriterStats struct {
	EventsBuffered    int64 `json:"events_buffered"`
	DecisionsBuffered int64 `json:"decisions_buffered"`
	RowsWritten       int64 `json:"rows_written"`
	RowsDropped       int64 `json:"rows_dropped"`
	Flushes           int64 `json:"flushes"`
	FlushErrors       int64 `json:"flush_errors"`
}

// Writer buffers terminal engine events and trade decisions and flushes them
// to ClickHouse in batches, on size or on a timer. Rows from a failed flush
// are dropped after logging; archival is best-effort and never blocks the
// engine.
type Writer struct {
	cfg      WriterConfig
	inserter Inserter

	mu        sync.Mutex
	events    []EventRow
	decisions []DecisionRow
	stats     WriterStats

	// flushHook, when set, observes every flush attempt. Test seam.
	flushHook func(events, decisions int, err error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a batching writer over the given inserter.
func NewWriter(inserter Inserter, cfg WriterConfig) *Writer {
	cfg.applyDefaults()
	return &Writer{
		cfg:       cfg,
		inserter:  inserter,
		events:    make([]EventRow, 0, cfg.BatchSize),
		decisions: make([]DecisionRow, 0, cfg.BatchSize),
	}
}

// SetFlushHook installs a flush observer. Must be called before Start.
func (w *Writer) SetFlushHook(fn func(events, decisions int, err error)) {
	w.flushHook = fn
}

// Start launches the periodic flush loop.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Flush(context.Background())
			}
		}
	}()
	log.Info().
		Int("batch_size", w.cfg.BatchSize).
		Dur("flush_interval", w.cfg.FlushInterval).
		Msg("archive writer started")
}

// RecordEvent buffers one terminal event, flushing if the batch is full.
// Intended as the bus terminal hook.
func (w *Writer) RecordEvent(ev eventbus.EngineEvent) {
	payload := ""
	if ev.Payload != nil {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = string(data)
		}
	}
	row := EventRow{
		EventID:       ev.ID,
		EventType:     ev.Type,
		Category:      string(ev.Category),
		Source:        ev.Source,
		Priority:      string(ev.Priority),
		Status:        string(ev.Status),
		Payload:       payload,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		RetryCount:    uint8(ev.RetryCount),
		FailureReason: ev.FailureReason,
		Timestamp:     ev.Timestamp,
	}

	w.mu.Lock()
	w.events = append(w.events, row)
	w.stats.EventsBuffered++
	full := len(w.events) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.Flush(context.Background())
	}
}

// RecordDecision buffers one trade decision, flushing if the batch is full.
func (w *Writer) RecordDecision(d model.TradeDecision) {
	qty, _ := d.Quantity.Float64()
	row := DecisionRow{
		DecisionID:   d.ID,
		Symbol:       d.Symbol,
		Action:       string(d.Action),
		Quantity:     qty,
		Confidence:   d.Confidence,
		Priority:     string(d.Priority),
		SignalIDs:    d.SignalIDs,
		RiskApproved: d.Risk.Approved,
		RiskScore:    d.Risk.Score,
		CreatedAt:    d.CreatedAt,
		ExpiresAt:    d.ExpiresAt,
	}

	w.mu.Lock()
	w.decisions = append(w.decisions, row)
	w.stats.DecisionsBuffered++
	full := len(w.decisions) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.Flush(context.Background())
	}
}

// Flush writes all buffered rows out now.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	events := w.events
	decisions := w.decisions
	w.events = make([]EventRow, 0, w.cfg.BatchSize)
	w.decisions = make([]DecisionRow, 0, w.cfg.BatchSize)
	w.mu.Unlock()

	if len(events) == 0 && len(decisions) == 0 {
		return
	}

	// The two batches are inserted and accounted independently; a failure on
	// one side never drops rows the other side already wrote.
	var evErr, decErr error
	if len(events) > 0 {
		evErr = w.inserter.InsertEvents(ctx, events)
	}
	if len(decisions) > 0 {
		decErr = w.inserter.InsertDecisions(ctx, decisions)
	}

	var written, dropped int64
	if evErr != nil {
		dropped += int64(len(events))
	} else {
		written += int64(len(events))
	}
	if decErr != nil {
		dropped += int64(len(decisions))
	} else {
		written += int64(len(decisions))
	}

	flushErr := evErr
	if flushErr == nil {
		flushErr = decErr
	}

	w.mu.Lock()
	w.stats.Flushes++
	if flushErr != nil {
		w.stats.FlushErrors++
	}
	w.stats.RowsWritten += written
	w.stats.RowsDropped += dropped
	hook := w.flushHook
	w.mu.Unlock()

	if evErr != nil {
		log.Error().Err(evErr).
			Int("events", len(events)).
			Msg("archive event flush failed, rows dropped")
	}
	if decErr != nil {
		log.Error().Err(decErr).
			Int("decisions", len(decisions)).
			Msg("archive decision flush failed, rows dropped")
	}
	if hook != nil {
		hook(len(events), len(decisions), flushErr)
	}
}

// Stats returns a snapshot of writer counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops the flush loop and drains remaining rows.
func (w *Writer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.Flush(context.Background())
	log.Info().Msg("archive writer closed")
}
