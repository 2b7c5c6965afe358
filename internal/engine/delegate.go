package engine

import (
	"context"
	"fmt"

	"github.com/halcyon-trading/halcyon/internal/model"
)

// StrategyConfig describes one strategy instance managed by the orchestrator.
type StrategyConfig struct {
	StrategyID  string         `json:"strategy_id"`
	Name        string         `json:"name"`
	Symbols     []string       `json:"symbols"`
	Timeframe   string         `json:"timeframe"`
	RiskProfile string         `json:"risk_profile"` // conservative|moderate|aggressive
	Params      map[string]any `json:"params,omitempty"`
}

// ConfigPatch is a partial strategy update. Nil fields are left unchanged.
type ConfigPatch struct {
	Name        *string        `json:"name,omitempty"`
	Symbols     []string       `json:"symbols,omitempty"`
	Timeframe   *string        `json:"timeframe,omitempty"`
	RiskProfile *string        `json:"risk_profile,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// validRiskProfiles is the closed set accepted by UpdateStrategy and
// RegisterStrategy.
var validRiskProfiles = map[string]bool{
	"":             true, // unset falls back to moderate
	"conservative": true,
	"moderate":     true,
	"aggressive":   true,
}

func validateRiskProfile(profile string) error {
	if !validRiskProfiles[profile] {
		return fmt.Errorf("invalid risk profile %q", profile)
	}
	return nil
}

// Delegate is the per-strategy execution wrapper the orchestrator calls into
// each tick. Delegates live outside the core; the orchestrator only depends
// on this contract.
type Delegate interface {
	// CanExecute reports whether the strategy wants the given symbol and
	// timeframe. Empty arguments are wildcards.
	CanExecute(symbol, timeframe string) bool
	// Execute runs one tick and returns zero or one signal.
	Execute(ctx context.Context, ec model.ExecutionContext) (*model.StrategySignal, error)

	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	EmergencyStop(ctx context.Context) error

	// UpdateConfig applies a config change; the delegate may restart
	// internally to honor it.
	UpdateConfig(cfg StrategyConfig) error

	PerformHealthCheck(ctx context.Context) model.HealthReport
	Metrics() model.StrategyMetrics
	State() string
}

// DelegateFactory builds the execution delegate for a registered strategy.
type DelegateFactory func(cfg StrategyConfig) (Delegate, error)

// RiskController is the external risk-assessment collaborator.
type RiskController interface {
	// ValidateSignals filters a batch down to the risk-acceptable subset.
	ValidateSignals(ctx context.Context, signals []model.StrategySignal) ([]model.StrategySignal, error)
	// AssessSignalRisk scores a single signal.
	AssessSignalRisk(ctx context.Context, sig model.StrategySignal) (model.RiskAssessment, error)
	// CurrentRiskMetrics exposes the controller's live metrics.
	CurrentRiskMetrics(ctx context.Context) (map[string]float64, error)
	// EmergencyCloseAll flattens all exposure. May fail; the caller decides
	// how to propagate.
	EmergencyCloseAll(ctx context.Context) error
}

// PerformanceMonitor receives per-strategy metrics after each tick.
type PerformanceMonitor interface {
	UpdateStrategyMetrics(strategyID string, m model.StrategyMetrics)
}

// ReloadResult is the outcome of a hot-reload attempt.
type ReloadResult struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// ReloadManager is the narrow contract to the strategy loader / hot-reload
// subsystem. The orchestrator's recovery path depends only on these two
// operations.
type ReloadManager interface {
	ReloadStrategy(ctx context.Context, strategyID string, graceful bool) (ReloadResult, error)
	RollbackStrategy(ctx context.Context, strategyID, reason string) error
}
