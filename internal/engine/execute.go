package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyon-trading/halcyon/internal/eventbus"
	"github.com/halcyon-trading/halcyon/internal/model"
)

// TickResult is the outcome of one ExecuteStrategies call.
type TickResult struct {
	TickID    string                  `json:"tick_id"`
	Results   []model.StrategyResult  `json:"results"`
	Processed []model.ProcessedSignal `json:"processed,omitempty"`
	Decisions []model.TradeDecision   `json:"decisions,omitempty"`
	Duration  time.Duration           `json:"duration"`
}

// ExecuteStrategies runs one tick: fan the market snapshot out to every
// eligible delegate concurrently, arbitrate the collected signals, and turn
// risk-approved signals into trade decisions. A no-op (empty result) unless
// the engine is running. Delegate failures are isolated per strategy and
// never abort the tick or transition engine state.
func (o *Orchestrator) ExecuteStrategies(ctx context.Context, md model.MarketData) (TickResult, error) {
	if o.State() != StateRunning {
		return TickResult{}, nil
	}

	// Resource guard: the whole tick is rejected before any side effects.
	if used := o.cfg.MemoryProbe(); used > o.cfg.MaxMemoryBytes {
		o.bus.Emit(ctx, eventbus.TypeResourceRejected, eventbus.CategorySystem, o.cfg.InstanceID,
			eventbus.ErrorPayload{
				Operation: "tick",
				Message:   fmt.Sprintf("memory %d exceeds ceiling %d", used, o.cfg.MaxMemoryBytes),
			},
			eventbus.WithPriority(eventbus.PriorityHigh))
		return TickResult{}, fmt.Errorf("tick rejected: memory use %d exceeds ceiling %d", used, o.cfg.MaxMemoryBytes)
	}

	o.ticks.Add(1)
	defer o.ticks.Done()

	start := time.Now()
	ec := model.ExecutionContext{
		TickID:    uuid.New().String(),
		Market:    md,
		StartedAt: start,
	}

	results := o.fanOut(ctx, ec)
	tick := TickResult{TickID: ec.TickID, Results: results}

	var raw []model.StrategySignal
	for _, r := range results {
		if r.Success && r.Signal != nil {
			raw = append(raw, *r.Signal)
		}
	}

	if len(raw) > 0 {
		processed, err := o.processor.Process(ctx, raw)
		if err != nil {
			// The signal stage is aborted for this tick, not the tick itself.
			log.Error().Err(err).Str("tick_id", ec.TickID).Msg("signal stage aborted")
		} else {
			tick.Processed = processed
			tick.Decisions = o.decide(ctx, processed)
		}
	}

	tick.Duration = time.Since(start)
	o.updateMetrics(tick)
	o.reportPerformance(ctx)
	return tick, nil
}

// fanOut invokes every eligible delegate concurrently, each racing its own
// timeout. A throwing or timed-out delegate is recorded as a failed result
// and never aborts its siblings.
func (o *Orchestrator) fanOut(ctx context.Context, ec model.ExecutionContext) []model.StrategyResult {
	snapshot := o.snapshot()

	type keyed struct {
		id  string
		reg *registeredStrategy
	}
	var targets []keyed
	for id, reg := range snapshot {
		if reg.delegate.CanExecute(ec.Market.Symbol, ec.Market.Timeframe) {
			targets = append(targets, keyed{id, reg})
		}
	}

	resultCh := make(chan model.StrategyResult, len(targets))
	for _, t := range targets {
		go func(id string, d Delegate) {
			resultCh <- o.executeOne(ctx, id, d, ec)
		}(t.id, t.reg.delegate)
	}

	results := make([]model.StrategyResult, 0, len(targets))
	for range targets {
		results = append(results, <-resultCh)
	}
	return results
}

// executeOne runs a single delegate under its timeout, converting panics and
// timeouts into failed results.
func (o *Orchestrator) executeOne(ctx context.Context, id string, d Delegate, ec model.ExecutionContext) model.StrategyResult {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DelegateTimeout)
	defer cancel()

	type outcome struct {
		sig *model.StrategySignal
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		sig, err := d.Execute(dctx, ec)
		ch <- outcome{sig: sig, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-dctx.Done():
		out = outcome{err: fmt.Errorf("timed out after %s", o.cfg.DelegateTimeout)}
	}

	res := model.StrategyResult{
		StrategyID: id,
		Success:    out.err == nil,
		Signal:     out.sig,
		Latency:    time.Since(start),
	}
	if out.err != nil {
		res.Error = out.err.Error()
		log.Warn().Err(out.err).Str("strategy_id", id).Str("tick_id", ec.TickID).Msg("delegate execution failed")
	}
	return res
}

// decide filters processed signals through the risk controller and creates a
// trade decision for each approved signal.
func (o *Orchestrator) decide(ctx context.Context, processed []model.ProcessedSignal) []model.TradeDecision {
	signals := make([]model.StrategySignal, len(processed))
	for i, ps := range processed {
		signals[i] = ps.Signal
	}

	validated, err := o.risk.ValidateSignals(ctx, signals)
	if err != nil {
		log.Error().Err(err).Msg("risk validation failed, no decisions this tick")
		return nil
	}
	allowed := make(map[string]bool, len(validated))
	for _, s := range validated {
		allowed[s.ID] = true
	}

	now := time.Now()
	var decisions []model.TradeDecision
	for _, ps := range processed {
		s := ps.Signal
		if !allowed[s.ID] || s.Type == model.SignalHold {
			continue
		}
		assessment, err := o.risk.AssessSignalRisk(ctx, s)
		if err != nil {
			log.Warn().Err(err).Str("signal_id", s.ID).Msg("risk assessment failed")
			continue
		}
		if !assessment.Approved {
			continue
		}

		d := model.TradeDecision{
			ID:         uuid.New().String(),
			Symbol:     s.Symbol,
			Action:     model.ActionForSignal(s.Type),
			Quantity:   decimal.NewFromFloat(o.cfg.BaseQuantity * s.Strength),
			Confidence: s.Confidence,
			Priority:   s.Priority,
			SignalIDs:  []string{s.ID},
			Risk:       assessment,
			CreatedAt:  now,
			ExpiresAt:  now.Add(o.cfg.DecisionTTL),
		}
		decisions = append(decisions, d)

		o.bus.Emit(ctx, eventbus.TypeTradeDecision, eventbus.CategoryTrade, o.cfg.InstanceID, d,
			eventbus.WithCausation(s.ID))
	}
	return decisions
}

// updateMetrics folds one tick into the rolling engine metrics.
func (o *Orchestrator) updateMetrics(tick TickResult) {
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()

	for _, r := range tick.Results {
		o.metrics.TotalExecutions++
		if r.Success {
			o.metrics.SuccessfulExecutions++
		} else {
			o.metrics.FailedExecutions++
		}
	}
	if o.metrics.TotalExecutions > 0 {
		o.metrics.SuccessRate = float64(o.metrics.SuccessfulExecutions) / float64(o.metrics.TotalExecutions)
	}

	o.latencySum += tick.Duration
	if o.metrics.TotalExecutions > 0 {
		o.metrics.AvgLatencyMs = float64(o.latencySum.Milliseconds()) / float64(o.metrics.TotalExecutions)
	}
	if !o.startedAt.IsZero() {
		elapsed := time.Since(o.startedAt).Seconds()
		if elapsed > 0 {
			o.metrics.ThroughputPerSec = float64(o.metrics.TotalExecutions) / elapsed
		}
	}
	o.metrics.ActiveStrategies = o.StrategyCount()
	o.metrics.LastTickAt = time.Now()
}

// reportPerformance pushes per-strategy metrics to the performance monitor.
func (o *Orchestrator) reportPerformance(_ context.Context) {
	if o.perf == nil {
		return
	}
	for id, reg := range o.snapshot() {
		o.perf.UpdateStrategyMetrics(id, reg.delegate.Metrics())
	}
}

// Metrics returns the rolling engine metrics.
func (o *Orchestrator) Metrics() model.EngineMetrics {
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()
	m := o.metrics
	m.ActiveStrategies = o.StrategyCount()
	return m
}

// startHealthLoop polls delegate health periodically and raises a
// health_alert when more than half the registered strategies are unhealthy.
func (o *Orchestrator) startHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	o.healthCancel = cancel
	o.healthWG.Add(1)
	go func() {
		defer o.healthWG.Done()
		ticker := time.NewTicker(o.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.checkHealth(ctx)
			}
		}
	}()
}

func (o *Orchestrator) stopHealthLoop() {
	if o.healthCancel != nil {
		o.healthCancel()
		o.healthCancel = nil
	}
	o.healthWG.Wait()
}

// checkHealth polls every delegate once and alerts past the >50% threshold.
func (o *Orchestrator) checkHealth(ctx context.Context) {
	snapshot := o.snapshot()
	if len(snapshot) == 0 {
		return
	}

	var unhealthy []string
	for id, reg := range snapshot {
		report := reg.delegate.PerformHealthCheck(ctx)
		if !report.Healthy {
			unhealthy = append(unhealthy, id)
		}
	}

	if len(unhealthy)*2 > len(snapshot) {
		log.Warn().
			Int("unhealthy", len(unhealthy)).
			Int("total", len(snapshot)).
			Msg("majority of strategies unhealthy")
		o.bus.Emit(ctx, eventbus.TypeHealthAlert, eventbus.CategorySystem, o.cfg.InstanceID,
			eventbus.HealthAlertPayload{
				Unhealthy:  len(unhealthy),
				Total:      len(snapshot),
				Strategies: unhealthy,
			},
			eventbus.WithPriority(eventbus.PriorityHigh))
	}
}

// RecoverStrategy drives a hot-reload through the reload manager, racing the
// configured recovery timeout. A failed or timed-out reload is rolled back
// and reported as failed, never left hung.
func (o *Orchestrator) RecoverStrategy(ctx context.Context, id string, graceful bool) error {
	if o.reload == nil {
		return fmt.Errorf("no reload manager configured")
	}
	o.mu.RLock()
	_, ok := o.strategies[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %q not registered", id)
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RecoveryTimeout)
	defer cancel()

	type reloadOutcome struct {
		rr  ReloadResult
		err error
	}
	ch := make(chan reloadOutcome, 1)
	go func() {
		rr, err := o.reload.ReloadStrategy(rctx, id, graceful)
		ch <- reloadOutcome{rr: rr, err: err}
	}()

	var reloadErr error
	select {
	case out := <-ch:
		if out.err != nil {
			reloadErr = out.err
		} else if !out.rr.Success {
			reloadErr = fmt.Errorf("reload reported failure: %v", out.rr.Errors)
		}
	case <-rctx.Done():
		reloadErr = fmt.Errorf("reload timed out after %s", o.cfg.RecoveryTimeout)
	}

	if reloadErr != nil {
		if rbErr := o.reload.RollbackStrategy(ctx, id, reloadErr.Error()); rbErr != nil {
			log.Error().Err(rbErr).Str("strategy_id", id).Msg("rollback failed")
		}
		return fmt.Errorf("recover strategy %q: %w", id, reloadErr)
	}
	return nil
}
