package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Category groups events by the subsystem that concerns them.
type Category string

const (
	CategoryEngine      Category = "engine"
	CategoryStrategy    Category = "strategy"
	CategorySignal      Category = "signal"
	CategoryTrade       Category = "trade"
	CategoryRisk        Category = "risk"
	CategoryPerformance Category = "performance"
	CategorySystem      Category = "system"
	CategoryError       Category = "error"
	CategoryAudit       Category = "audit"
)

// Priority controls scheduling. Critical and emergency events bypass the
// batch loop and are processed synchronously at emit time.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityCritical  Priority = "critical"
	PriorityEmergency Priority = "emergency"
)

// Immediate reports whether events at this priority skip the batch queue.
func (p Priority) Immediate() bool {
	return p == PriorityCritical || p == PriorityEmergency
}

// Status is the delivery state of an event. A delivery attempt ends in
// completed or failed; failed moves on to retrying (re-enqueued as pending
// after the backoff) until the retry budget runs out, then dead_letter.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// EngineEvent is one unit on the bus.
//
// Payload holds one of the typed payload structs below (or any
// consumer-defined struct); the event Type identifies which variant to expect,
// so consumers decode without runtime type probing.
type EngineEvent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Category      Category  `json:"category"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"ts"`
	Priority      Priority  `json:"priority"`
	Status        Status    `json:"status"`
	Payload       any       `json:"payload,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Well-known event types emitted by the core itself.
const (
	TypeStateChanged       = "engine_state_changed"
	TypeStrategyRegistered = "strategy_registered"
	TypeStrategyRemoved    = "strategy_unregistered"
	TypeStrategyUpdated    = "strategy_updated"
	TypeSignalsProcessed   = "signals_processed"
	TypeConflictResolved   = "signal_conflict_resolved"
	TypeTradeDecision      = "trade_decision"
	TypeHealthAlert        = "health_alert"
	TypeResourceRejected   = "tick_resource_rejected"
	TypeProcessorError     = "signal_processor_error"
	TypeEmergencyStop      = "emergency_stop"
	TypeEventDeadLetter    = "event_dead_letter"
)

// StateChangePayload accompanies engine_state_changed events.
type StateChangePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// StrategyPayload accompanies strategy lifecycle events.
type StrategyPayload struct {
	StrategyID string `json:"strategy_id"`
	Name       string `json:"name,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// HealthAlertPayload accompanies health_alert events.
type HealthAlertPayload struct {
	Unhealthy  int      `json:"unhealthy"`
	Total      int      `json:"total"`
	Strategies []string `json:"strategies,omitempty"`
}

// ErrorPayload accompanies error-category events.
type ErrorPayload struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

// DeadLetterPayload accompanies event_dead_letter events.
type DeadLetterPayload struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
}

// EmitOption customizes an event at emit time.
type EmitOption func(*EngineEvent)

// WithPriority overrides the default (normal) priority.
func WithPriority(p Priority) EmitOption {
	return func(ev *EngineEvent) { ev.Priority = p }
}

// WithCorrelation links the event to a logical flow.
func WithCorrelation(id string) EmitOption {
	return func(ev *EngineEvent) { ev.CorrelationID = id }
}

// WithCausation records the event that directly caused this one.
func WithCausation(id string) EmitOption {
	return func(ev *EngineEvent) { ev.CausationID = id }
}

// WithMaxRetries overrides the bus default retry budget for this event.
func WithMaxRetries(n int) EmitOption {
	return func(ev *EngineEvent) { ev.MaxRetries = n }
}

// WithTags attaches free-form tags for stream and subscription filtering.
func WithTags(tags ...string) EmitOption {
	return func(ev *EngineEvent) { ev.Tags = append(ev.Tags, tags...) }
}

// newEvent builds a pending event with a fresh id.
func newEvent(typ string, cat Category, source string, payload any, defaultRetries int, opts ...EmitOption) *EngineEvent {
	ev := &EngineEvent{
		ID:         uuid.New().String(),
		Type:       typ,
		Category:   cat,
		Source:     source,
		Timestamp:  time.Now(),
		Priority:   PriorityNormal,
		Status:     StatusPending,
		Payload:    payload,
		MaxRetries: defaultRetries,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}
