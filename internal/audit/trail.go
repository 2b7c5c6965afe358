package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/export"
	"github.com/halcyon-trading/halcyon/internal/model"
)

// Entry event types.
const (
	EventLifecycle  = "lifecycle"
	EventSignal     = "signal"
	EventConflict   = "conflict"
	EventRiskCheck  = "risk_check"
	EventDecision   = "decision"
	EventStrategyOp = "strategy_op"
)

// Entry is a single audit trail record. Every meaningful engine decision is
// recorded as an Entry, giving an append-only log for replay and compliance.
type Entry struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"` // lifecycle|signal|conflict|risk_check|decision|strategy_op
	Timestamp   time.Time `json:"ts"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	Outcome     string    `json:"outcome,omitempty"` // allow|deny for risk checks, to-state for lifecycle
	CausationID string    `json:"causation_id,omitempty"`
	Payload     string    `json:"payload"` // JSON of the full record
}

// Trail records the decision chain of the engine. It keeps an in-memory
// buffer (capped at maxBuf, FIFO eviction) for querying and publishes every
// entry to the audit topic via the export producer.
type Trail struct {
	mu       sync.Mutex
	producer export.Producer
	entries  []Entry
	maxBuf   int
	seq      int64
}

// NewTrail creates an audit trail. maxBuf caps the in-memory buffer; 0 means
// publish-only with no buffering.
func NewTrail(producer export.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
	}
}

// RecordLifecycle logs an engine state transition.
func (t *Trail) RecordLifecycle(from, to, reason string) {
	t.record(Entry{
		EventType: EventLifecycle,
		Timestamp: time.Now(),
		Outcome:   to,
		Payload:   mustMarshal(map[string]string{"from": from, "to": to, "reason": reason}),
	})
}

// RecordSignal logs a processed strategy signal.
func (t *Trail) RecordSignal(ps model.ProcessedSignal) {
	t.record(Entry{
		EventType:  EventSignal,
		Timestamp:  ps.ProcessedAt,
		StrategyID: ps.Signal.StrategyID,
		Symbol:     ps.Signal.Symbol,
		Payload:    mustMarshal(ps),
	})
}

// RecordConflict logs a detected (and possibly resolved) signal conflict.
func (t *Trail) RecordConflict(c model.SignalConflict) {
	t.record(Entry{
		EventType:   EventConflict,
		Timestamp:   c.DetectedAt,
		Symbol:      c.Symbol,
		Outcome:     string(c.Resolution),
		CausationID: c.WinnerID,
		Payload:     mustMarshal(c),
	})
}

// RecordRiskCheck logs a risk assessment for a signal.
func (t *Trail) RecordRiskCheck(signalID string, assessment model.RiskAssessment) {
	outcome := "deny"
	if assessment.Approved {
		outcome = "allow"
	}
	t.record(Entry{
		EventType:   EventRiskCheck,
		Timestamp:   time.Now(),
		Outcome:     outcome,
		CausationID: signalID,
		Payload:     mustMarshal(assessment),
	})
}

// RecordDecision logs an emitted trade decision.
func (t *Trail) RecordDecision(d model.TradeDecision) {
	causation := ""
	if len(d.SignalIDs) > 0 {
		causation = d.SignalIDs[0]
	}
	t.record(Entry{
		EventType:   EventDecision,
		Timestamp:   d.CreatedAt,
		Symbol:      d.Symbol,
		Outcome:     string(d.Action),
		CausationID: causation,
		Payload:     mustMarshal(d),
	})
}

// RecordStrategyOp logs a strategy registration, update, or removal.
func (t *Trail) RecordStrategyOp(strategyID, op string) {
	t.record(Entry{
		EventType:  EventStrategyOp,
		Timestamp:  time.Now(),
		StrategyID: strategyID,
		Outcome:    op,
		Payload:    mustMarshal(map[string]string{"strategy_id": strategyID, "op": op}),
	})
}

// BySymbol returns buffered entries for one symbol.
func (t *Trail) BySymbol(symbol string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Symbol == symbol {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the buffered entry count.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record buffers the entry with FIFO eviction and publishes it.
func (t *Trail) record(entry Entry) {
	t.mu.Lock()
	t.seq++
	entry.ID = fmt.Sprintf("audit-%d-%d", entry.Timestamp.UnixMicro(), t.seq)
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	if t.producer != nil {
		key := entry.EventType
		if entry.Symbol != "" {
			key = entry.Symbol
		}
		if err := t.producer.PublishJSON(context.Background(), export.TopicAudit, key, entry); err != nil {
			log.Error().Err(err).
				Str("event_type", entry.EventType).
				Msg("failed to publish audit entry")
		}
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit payload")
		return "{}"
	}
	return string(data)
}
