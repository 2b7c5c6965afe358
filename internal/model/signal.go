package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType classifies the direction a strategy proposes.
type SignalType string

const (
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalHold       SignalType = "HOLD"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
)

// IsBuySide reports whether the signal opens or extends long exposure.
func (t SignalType) IsBuySide() bool {
	return t == SignalBuy || t == SignalCloseShort
}

// IsSellSide reports whether the signal opens or extends short exposure.
func (t SignalType) IsSellSide() bool {
	return t == SignalSell || t == SignalCloseLong
}

// Priority is the urgency tier attached to a signal or decision.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the arbitration weight for priority-weighted conflict
// resolution: critical=4, high=3, medium=2, low=1.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// StrategySignal is a single decision proposal emitted by a strategy.
// It is immutable once produced; the signal processor attaches quality and
// ranking data on a wrapping ProcessedSignal, never on the signal itself.
type StrategySignal struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Type       SignalType      `json:"type"`
	Confidence float64         `json:"confidence"` // 0..100
	Strength   float64         `json:"strength"`   // 0..1
	Entry      decimal.Decimal `json:"entry,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	Target     decimal.Decimal `json:"target,omitempty"`
	MaxRisk    float64         `json:"max_risk,omitempty"` // 0..100, 0 = unset
	Priority   Priority        `json:"priority"`
	Valid      bool            `json:"valid"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"` // zero = never expires
}

// Expired reports whether the signal's expiry instant has passed.
func (s StrategySignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Age returns how long ago the signal was created.
func (s StrategySignal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// QualityMetrics holds the normalized sub-scores and the weighted composite
// computed by the signal processor. All values are in [0, 1].
type QualityMetrics struct {
	Confidence      float64 `json:"confidence"`
	Strength        float64 `json:"strength"`
	Timeliness      float64 `json:"timeliness"`
	Consistency     float64 `json:"consistency"`
	Risk            float64 `json:"risk"`
	MarketAlignment float64 `json:"market_alignment"`
	StrategicValue  float64 `json:"strategic_value"`
	Overall         float64 `json:"overall"`
}

// ConflictType classifies an incompatibility among signals for one symbol.
type ConflictType string

const (
	ConflictDirectional ConflictType = "directional"
	ConflictTemporal    ConflictType = "temporal"
	ConflictSymbol      ConflictType = "symbol"
	ConflictResource    ConflictType = "resource"
	ConflictRisk        ConflictType = "risk"
)

// SignalConflict records a detected incompatibility among a conflict group and,
// once resolved, the chosen winner. Conflicts live only for the duration of one
// processing pass.
type SignalConflict struct {
	ID                   string       `json:"id"`
	Type                 ConflictType `json:"type"`
	Symbol               string       `json:"symbol"`
	SignalIDs            []string     `json:"signal_ids"`
	Severity             float64      `json:"severity"` // 0..1
	WinnerID             string       `json:"winner_id,omitempty"`
	Resolution           string       `json:"resolution,omitempty"`
	ResolutionConfidence float64      `json:"resolution_confidence,omitempty"`
	DetectedAt           time.Time    `json:"detected_at"`
}

// ProcessedSignal is the output unit of one processing pass: the original
// signal plus quality metrics, the conflicts it survived, and its global rank.
type ProcessedSignal struct {
	Signal      StrategySignal   `json:"signal"`
	Quality     QualityMetrics   `json:"quality"`
	Conflicts   []SignalConflict `json:"conflicts,omitempty"`
	Rank        int              `json:"rank"`
	ProcessedAt time.Time        `json:"processed_at"`
}
