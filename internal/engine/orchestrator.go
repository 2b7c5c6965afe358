package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/eventbus"
	"github.com/halcyon-trading/halcyon/internal/model"
	"github.com/halcyon-trading/halcyon/internal/repo"
	"github.com/halcyon-trading/halcyon/internal/signal"
)

// State is the engine lifecycle state. Exactly one live value per
// orchestrator instance.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePausing      State = "pausing"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Config holds orchestrator tuning parameters.
type Config struct {
	InstanceID              string
	MaxConcurrentStrategies int
	// MaxMemoryBytes rejects whole ticks when process heap use exceeds it.
	MaxMemoryBytes uint64
	// DelegateTimeout bounds one delegate invocation per tick.
	DelegateTimeout     time.Duration
	HealthCheckInterval time.Duration
	// EmergencyStopTimeout bounds the wait for in-flight ticks before the
	// forced shutdown proceeds.
	EmergencyStopTimeout time.Duration
	// RecoveryTimeout bounds one hot-reload attempt.
	RecoveryTimeout time.Duration
	// BaseQuantity is scaled by signal strength to size trade decisions.
	BaseQuantity float64
	// DecisionTTL sets the expiry on emitted trade decisions.
	DecisionTTL time.Duration
	// MemoryProbe reports current heap use; defaults to runtime.ReadMemStats.
	MemoryProbe func() uint64
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "halcyon-1"
	}
	if c.MaxConcurrentStrategies <= 0 {
		c.MaxConcurrentStrategies = 10
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = 512 << 20
	}
	if c.DelegateTimeout <= 0 {
		c.DelegateTimeout = 2 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.EmergencyStopTimeout <= 0 {
		c.EmergencyStopTimeout = 5 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 10 * time.Second
	}
	if c.BaseQuantity <= 0 {
		c.BaseQuantity = 1
	}
	if c.DecisionTTL <= 0 {
		c.DecisionTTL = time.Minute
	}
	if c.MemoryProbe == nil {
		c.MemoryProbe = heapInUse
	}
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}

// registeredStrategy pairs a strategy config with its execution delegate.
type registeredStrategy struct {
	cfg      StrategyConfig
	delegate Delegate
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithPerformanceMonitor wires the per-strategy metrics sink.
func WithPerformanceMonitor(pm PerformanceMonitor) Option {
	return func(o *Orchestrator) { o.perf = pm }
}

// WithReloadManager wires the hot-reload collaborator used by the recovery
// path.
func WithReloadManager(rm ReloadManager) Option {
	return func(o *Orchestrator) { o.reload = rm }
}

// Orchestrator owns the engine state machine, the strategy registry, and one
// event bus plus one signal processor instance. It fans ticks out to
// delegates, arbitrates their signals, and turns approved signals into trade
// decisions.
type Orchestrator struct {
	cfg       Config
	bus       *eventbus.Bus
	processor *signal.Processor
	risk      RiskController
	store     repo.Repository
	factory   DelegateFactory
	perf      PerformanceMonitor
	reload    ReloadManager

	mu         sync.RWMutex
	state      State
	strategies map[string]*registeredStrategy
	// reserved holds ids mid-registration; they count against capacity so
	// concurrent registrations cannot oversubscribe the registry.
	reserved map[string]bool

	// tick bookkeeping
	ticks      sync.WaitGroup
	metricsMu  sync.Mutex
	metrics    model.EngineMetrics
	latencySum time.Duration
	startedAt  time.Time

	healthCancel context.CancelFunc
	healthWG     sync.WaitGroup
}

// New creates an orchestrator in state idle.
func New(cfg Config, bus *eventbus.Bus, processor *signal.Processor, riskCtl RiskController, store repo.Repository, factory DelegateFactory, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		processor:  processor,
		risk:       riskCtl,
		store:      store,
		factory:    factory,
		state:      StateIdle,
		strategies: make(map[string]*registeredStrategy),
		reserved:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current engine state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// StrategyCount returns the registry size.
func (o *Orchestrator) StrategyCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.strategies)
}

// transition atomically verifies the current state and moves to the next,
// publishing an engine_state_changed event.
func (o *Orchestrator) transition(ctx context.Context, op string, from, to State, reason string) error {
	o.mu.Lock()
	if o.state != from {
		cur := o.state
		o.mu.Unlock()
		return fmt.Errorf("%s requires state %q, engine is %q", op, from, cur)
	}
	o.state = to
	o.mu.Unlock()

	o.publishStateChange(ctx, from, to, reason)
	return nil
}

// forceState moves to the target state unconditionally.
func (o *Orchestrator) forceState(ctx context.Context, to State, reason string) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	if from != to {
		o.publishStateChange(ctx, from, to, reason)
	}
}

func (o *Orchestrator) publishStateChange(ctx context.Context, from, to State, reason string) {
	log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("engine state changed")
	o.bus.Emit(ctx, eventbus.TypeStateChanged, eventbus.CategoryEngine, o.cfg.InstanceID,
		eventbus.StateChangePayload{From: string(from), To: string(to), Reason: reason})
}

// fail marks a fatal lifecycle failure: the engine moves to error and the
// cause propagates to the caller.
func (o *Orchestrator) fail(ctx context.Context, op string, cause error) error {
	o.forceState(ctx, StateError, fmt.Sprintf("%s failed: %v", op, cause))
	o.bus.Emit(ctx, "engine_error", eventbus.CategoryError, o.cfg.InstanceID,
		eventbus.ErrorPayload{Operation: op, Message: cause.Error()},
		eventbus.WithPriority(eventbus.PriorityCritical))
	return fmt.Errorf("%s: %w", op, cause)
}

// Initialize loads persisted active strategies and builds their delegates.
// On success the engine returns to idle, ready for Start; on failure it moves
// to error, which is fatal for this instance.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.transition(ctx, "initialize", StateIdle, StateInitializing, "initialize requested"); err != nil {
		return err
	}

	records, err := o.store.FindBy(ctx, map[string]any{"active": true})
	if err != nil {
		return o.fail(ctx, "initialize", fmt.Errorf("load strategies: %w", err))
	}

	for _, rec := range records {
		if len(o.strategies) >= o.cfg.MaxConcurrentStrategies {
			return o.fail(ctx, "initialize",
				fmt.Errorf("persisted strategies exceed capacity %d", o.cfg.MaxConcurrentStrategies))
		}
		cfg := configFromRecord(rec)
		delegate, err := o.factory(cfg)
		if err != nil {
			return o.fail(ctx, "initialize", fmt.Errorf("build delegate %q: %w", rec.ID, err))
		}
		o.mu.Lock()
		o.strategies[cfg.StrategyID] = &registeredStrategy{cfg: cfg, delegate: delegate}
		o.mu.Unlock()
	}

	o.forceState(ctx, StateIdle, fmt.Sprintf("initialized with %d strategies", len(records)))
	return nil
}

// Start moves idle->running, starts every delegate, and launches the health
// loop. Any other current state is a contract violation.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(ctx, "start", StateIdle, StateRunning, "start requested"); err != nil {
		return err
	}

	for id, reg := range o.snapshot() {
		if err := reg.delegate.Start(ctx); err != nil {
			return o.fail(ctx, "start", fmt.Errorf("strategy %q: %w", id, err))
		}
	}

	o.metricsMu.Lock()
	o.startedAt = time.Now()
	o.metricsMu.Unlock()

	o.startHealthLoop()
	return nil
}

// PauseAll moves running->pausing->paused, pausing every delegate.
func (o *Orchestrator) PauseAll(ctx context.Context) error {
	if err := o.transition(ctx, "pause", StateRunning, StatePausing, "pause requested"); err != nil {
		return err
	}
	for id, reg := range o.snapshot() {
		if err := reg.delegate.Pause(ctx); err != nil {
			return o.fail(ctx, "pause", fmt.Errorf("strategy %q: %w", id, err))
		}
	}
	o.forceState(ctx, StatePaused, "all strategies paused")
	return nil
}

// ResumeAll moves paused->running, resuming every delegate.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	if err := o.transition(ctx, "resume", StatePaused, StateRunning, "resume requested"); err != nil {
		return err
	}
	for id, reg := range o.snapshot() {
		if err := reg.delegate.Resume(ctx); err != nil {
			return o.fail(ctx, "resume", fmt.Errorf("strategy %q: %w", id, err))
		}
	}
	return nil
}

// Stop is allowed from any state: stopping->stopped. In-flight ticks are
// awaited before delegates stop.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.forceState(ctx, StateStopping, "stop requested")
	o.stopHealthLoop()
	o.ticks.Wait()

	var firstErr error
	for id, reg := range o.snapshot() {
		if err := reg.delegate.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("strategy %q: %w", id, err)
		}
	}
	if firstErr != nil {
		return o.fail(ctx, "stop", firstErr)
	}

	o.forceState(ctx, StateStopped, "engine stopped")
	return nil
}

// EmergencyStop forces the engine to stopped regardless of intermediate
// failures. In-flight ticks are awaited up to EmergencyStopTimeout, then
// abandoned. Delegate failures during the forced shutdown are reported via
// events but not propagated; a failure of the risk close-all step is the one
// error that still reaches the caller.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason string) error {
	log.Warn().Str("reason", reason).Msg("EMERGENCY STOP")
	o.bus.Emit(ctx, eventbus.TypeEmergencyStop, eventbus.CategoryEngine, o.cfg.InstanceID,
		eventbus.StateChangePayload{To: string(StateStopped), Reason: reason},
		eventbus.WithPriority(eventbus.PriorityEmergency))

	o.stopHealthLoop()
	waitTimeout(&o.ticks, o.cfg.EmergencyStopTimeout)

	for id, reg := range o.snapshot() {
		if err := reg.delegate.EmergencyStop(ctx); err != nil {
			log.Error().Err(err).Str("strategy_id", id).Msg("delegate emergency stop failed")
			o.bus.Emit(ctx, "engine_error", eventbus.CategoryError, o.cfg.InstanceID,
				eventbus.ErrorPayload{Operation: "emergency_stop:" + id, Message: err.Error()})
		}
	}

	riskErr := o.risk.EmergencyCloseAll(ctx)
	if riskErr != nil {
		log.Error().Err(riskErr).Msg("emergency close-all failed")
		o.bus.Emit(ctx, "engine_error", eventbus.CategoryError, o.cfg.InstanceID,
			eventbus.ErrorPayload{Operation: "emergency_close_all", Message: riskErr.Error()},
			eventbus.WithPriority(eventbus.PriorityEmergency))
	}

	o.forceState(ctx, StateStopped, "emergency stop: "+reason)
	if riskErr != nil {
		return fmt.Errorf("emergency close-all: %w", riskErr)
	}
	return nil
}

// waitTimeout waits for the group up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// RegisterStrategy persists a strategy config, builds its delegate, and adds
// it to the registry. Registration over capacity is rejected without mutating
// any state.
func (o *Orchestrator) RegisterStrategy(ctx context.Context, cfg StrategyConfig) error {
	if cfg.StrategyID == "" {
		return fmt.Errorf("strategy config must have a strategy id")
	}
	if err := validateRiskProfile(cfg.RiskProfile); err != nil {
		return err
	}

	o.mu.Lock()
	total := len(o.strategies) + len(o.reserved)
	if total >= o.cfg.MaxConcurrentStrategies {
		o.mu.Unlock()
		return fmt.Errorf("strategy capacity reached (%d/%d)", total, o.cfg.MaxConcurrentStrategies)
	}
	if _, exists := o.strategies[cfg.StrategyID]; exists || o.reserved[cfg.StrategyID] {
		o.mu.Unlock()
		return fmt.Errorf("strategy %q already registered", cfg.StrategyID)
	}
	o.reserved[cfg.StrategyID] = true
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.reserved, cfg.StrategyID)
		o.mu.Unlock()
	}

	// The delegate is built before anything is persisted, so a factory error
	// leaves no record behind and the same id can be retried.
	delegate, err := o.factory(cfg)
	if err != nil {
		release()
		return fmt.Errorf("build delegate %q: %w", cfg.StrategyID, err)
	}

	if _, err := o.store.Create(ctx, recordFromConfig(cfg)); err != nil {
		release()
		return fmt.Errorf("persist strategy %q: %w", cfg.StrategyID, err)
	}

	o.mu.Lock()
	delete(o.reserved, cfg.StrategyID)
	o.strategies[cfg.StrategyID] = &registeredStrategy{cfg: cfg, delegate: delegate}
	running := o.state == StateRunning
	o.mu.Unlock()

	if running {
		if err := delegate.Start(ctx); err != nil {
			log.Error().Err(err).Str("strategy_id", cfg.StrategyID).Msg("delegate start failed after registration")
		}
	}

	log.Info().
		Str("strategy_id", cfg.StrategyID).
		Str("name", cfg.Name).
		Strs("symbols", cfg.Symbols).
		Msg("strategy registered")
	o.bus.Emit(ctx, eventbus.TypeStrategyRegistered, eventbus.CategoryStrategy, o.cfg.InstanceID,
		eventbus.StrategyPayload{StrategyID: cfg.StrategyID, Name: cfg.Name})
	return nil
}

// UnregisterStrategy stops the delegate if running, removes it from the
// registry, and persists the deactivation.
func (o *Orchestrator) UnregisterStrategy(ctx context.Context, id string) error {
	o.mu.Lock()
	reg, ok := o.strategies[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("strategy %q not registered", id)
	}
	delete(o.strategies, id)
	o.mu.Unlock()

	if reg.delegate.State() == "running" {
		if err := reg.delegate.Stop(ctx); err != nil {
			log.Error().Err(err).Str("strategy_id", id).Msg("delegate stop failed during unregister")
		}
	}

	if _, err := o.store.Update(ctx, id, map[string]any{"active": false}); err != nil {
		return fmt.Errorf("deactivate strategy %q: %w", id, err)
	}

	o.bus.Emit(ctx, eventbus.TypeStrategyRemoved, eventbus.CategoryStrategy, o.cfg.InstanceID,
		eventbus.StrategyPayload{StrategyID: id})
	return nil
}

// UpdateStrategy validates and applies a partial config change, delegating to
// the execution wrapper (which may restart internally) and persisting it.
func (o *Orchestrator) UpdateStrategy(ctx context.Context, id string, patch ConfigPatch) error {
	o.mu.RLock()
	reg, ok := o.strategies[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %q not registered", id)
	}

	if patch.RiskProfile != nil {
		if err := validateRiskProfile(*patch.RiskProfile); err != nil {
			return err
		}
	}

	merged := reg.cfg
	dbPatch := make(map[string]any)
	if patch.Name != nil {
		merged.Name = *patch.Name
		dbPatch["name"] = *patch.Name
	}
	if patch.Symbols != nil {
		merged.Symbols = patch.Symbols
		dbPatch["symbols"] = strings.Join(patch.Symbols, ",")
	}
	if patch.Timeframe != nil {
		merged.Timeframe = *patch.Timeframe
		dbPatch["timeframe"] = *patch.Timeframe
	}
	if patch.RiskProfile != nil {
		merged.RiskProfile = *patch.RiskProfile
		dbPatch["risk_profile"] = *patch.RiskProfile
	}
	if patch.Params != nil {
		merged.Params = patch.Params
	}

	if err := reg.delegate.UpdateConfig(merged); err != nil {
		return fmt.Errorf("apply config to strategy %q: %w", id, err)
	}
	if len(dbPatch) > 0 {
		if _, err := o.store.Update(ctx, id, dbPatch); err != nil {
			return fmt.Errorf("persist update for %q: %w", id, err)
		}
	}

	o.mu.Lock()
	reg.cfg = merged
	o.mu.Unlock()

	o.bus.Emit(ctx, eventbus.TypeStrategyUpdated, eventbus.CategoryStrategy, o.cfg.InstanceID,
		eventbus.StrategyPayload{StrategyID: id, Name: merged.Name})
	return nil
}

// snapshot copies the registry for lock-free iteration.
func (o *Orchestrator) snapshot() map[string]*registeredStrategy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*registeredStrategy, len(o.strategies))
	for id, reg := range o.strategies {
		out[id] = reg
	}
	return out
}

func configFromRecord(rec repo.StrategyRecord) StrategyConfig {
	var symbols []string
	if rec.Symbols != "" {
		symbols = strings.Split(rec.Symbols, ",")
	}
	return StrategyConfig{
		StrategyID:  rec.ID,
		Name:        rec.Name,
		Symbols:     symbols,
		Timeframe:   rec.Timeframe,
		RiskProfile: rec.RiskProfile,
	}
}

func recordFromConfig(cfg StrategyConfig) repo.StrategyRecord {
	return repo.StrategyRecord{
		ID:          cfg.StrategyID,
		Name:        cfg.Name,
		Symbols:     strings.Join(cfg.Symbols, ","),
		Timeframe:   cfg.Timeframe,
		RiskProfile: cfg.RiskProfile,
		Active:      true,
	}
}
