package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/model"
)

// QualityWeights weighs the seven sub-scores into the overall quality score.
// Weights are normalized by their sum, so they need not add to 1.
type QualityWeights struct {
	Confidence      float64 `yaml:"confidence"`
	Strength        float64 `yaml:"strength"`
	Timeliness      float64 `yaml:"timeliness"`
	Consistency     float64 `yaml:"consistency"`
	Risk            float64 `yaml:"risk"`
	MarketAlignment float64 `yaml:"market_alignment"`
	StrategicValue  float64 `yaml:"strategic_value"`
}

func defaultWeights() QualityWeights {
	return QualityWeights{
		Confidence:      0.25,
		Strength:        0.15,
		Timeliness:      0.15,
		Consistency:     0.10,
		Risk:            0.15,
		MarketAlignment: 0.10,
		StrategicValue:  0.10,
	}
}

func (w QualityWeights) sum() float64 {
	return w.Confidence + w.Strength + w.Timeliness + w.Consistency +
		w.Risk + w.MarketAlignment + w.StrategicValue
}

// Config holds processor tuning parameters.
type Config struct {
	Resolution          ResolutionStrategy
	MaxSignalsPerSymbol int
	MinQualityScore     float64
	MaxSignalAge        time.Duration
	DedupEnabled        bool
	Weights             QualityWeights
}

func (c *Config) applyDefaults() {
	if c.Resolution == "" {
		c.Resolution = ResolutionConfidence
	}
	if c.MaxSignalsPerSymbol <= 0 {
		c.MaxSignalsPerSymbol = 3
	}
	if c.MinQualityScore <= 0 {
		c.MinQualityScore = 0.4
	}
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = 5 * time.Minute
	}
	if c.Weights.sum() == 0 {
		c.Weights = defaultWeights()
	}
}

// Stats is a snapshot of processor counters.
type Stats struct {
	BatchesProcessed  int64     `json:"batches_processed"`
	SignalsIn         int64     `json:"signals_in"`
	SignalsOut        int64     `json:"signals_out"`
	Dropped           int64     `json:"dropped"`
	Duplicates        int64     `json:"duplicates"`
	ConflictsDetected int64     `json:"conflicts_detected"`
	ConflictsResolved int64     `json:"conflicts_resolved"`
	Errors            int64     `json:"errors"`
	LastBatchAt       time.Time `json:"last_batch_at,omitempty"`
}

// Events receives processor diagnostics. Implementations typically forward to
// the event bus; a nil Events is a no-op.
type Events interface {
	ConflictResolved(c model.SignalConflict)
	ProcessingFailed(err error)
}

// Processor turns a raw signal batch into a ranked, conflict-free,
// quality-filtered batch. It holds no cross-call state except counters; the
// aggregation queues live in Aggregator.
type Processor struct {
	cfg    Config
	events Events

	mu    sync.Mutex
	stats Stats
}

// NewProcessor creates a processor. events may be nil.
func NewProcessor(cfg Config, events Events) *Processor {
	cfg.applyDefaults()
	return &Processor{cfg: cfg, events: events}
}

// Process runs the full pipeline on one batch. Per symbol group the stage
// order is a contract: conflict detection, resolution, validation, dedup,
// quality scoring, symbol limiting; groups never interact and later stages
// assume a conflict-free set. After all groups, signals are re-ranked
// globally by overall quality.
func (p *Processor) Process(ctx context.Context, signals []model.StrategySignal) (out []model.ProcessedSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("signal processing panicked: %v", r)
		}
		if err != nil {
			p.mu.Lock()
			p.stats.Errors++
			p.mu.Unlock()
			if p.events != nil {
				p.events.ProcessingFailed(err)
			}
			log.Error().Err(err).Msg("signal processing failed")
			out = nil
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	groups := groupBySymbol(signals)

	var processed []model.ProcessedSignal
	for symbol, group := range groups {
		ps, gerr := p.processGroup(symbol, group, now)
		if gerr != nil {
			return nil, gerr
		}
		processed = append(processed, ps...)
	}

	rank(processed)

	p.mu.Lock()
	p.stats.BatchesProcessed++
	p.stats.SignalsIn += int64(len(signals))
	p.stats.SignalsOut += int64(len(processed))
	p.stats.LastBatchAt = now
	p.mu.Unlock()

	log.Debug().
		Int("in", len(signals)).
		Int("out", len(processed)).
		Int("symbols", len(groups)).
		Msg("signal batch processed")

	return processed, nil
}

// processGroup runs the per-symbol stages.
func (p *Processor) processGroup(symbol string, group []model.StrategySignal, now time.Time) ([]model.ProcessedSignal, error) {
	// 1. Conflict detection.
	conflicts := detectConflicts(symbol, group, p.cfg.MaxSignalsPerSymbol)
	p.mu.Lock()
	p.stats.ConflictsDetected += int64(len(conflicts))
	p.mu.Unlock()

	// 2. Conflict resolution. Directional conflicts are arbitrated here;
	// resource conflicts are recorded and enforced by the limiting stage,
	// which keeps the highest-quality subset.
	resolved := make([]model.SignalConflict, 0, len(conflicts))
	for _, c := range conflicts {
		if c.Type != model.ConflictDirectional {
			resolved = append(resolved, c)
			continue
		}
		rc, kept, err := resolveDirectional(p.cfg.Resolution, c, group)
		if err != nil {
			return nil, err
		}
		group = kept
		resolved = append(resolved, rc)
		p.mu.Lock()
		p.stats.ConflictsResolved++
		p.mu.Unlock()
		if p.events != nil {
			p.events.ConflictResolved(rc)
		}
	}

	// 3. Validation.
	valid := group[:0]
	for _, s := range group {
		if reason := validate(s, now); reason != "" {
			p.mu.Lock()
			p.stats.Dropped++
			p.mu.Unlock()
			log.Debug().
				Str("signal_id", s.ID).
				Str("symbol", s.Symbol).
				Str("reason", reason).
				Msg("signal dropped by validation")
			continue
		}
		valid = append(valid, s)
	}
	group = valid

	// 4. Deduplication.
	if p.cfg.DedupEnabled {
		var dropped int
		group, dropped = dedup(group)
		p.mu.Lock()
		p.stats.Duplicates += int64(dropped)
		p.mu.Unlock()
	}

	// 5. Quality scoring and threshold.
	scored := make([]model.ProcessedSignal, 0, len(group))
	for _, s := range group {
		q := p.score(s, group, now)
		if q.Overall < p.cfg.MinQualityScore {
			p.mu.Lock()
			p.stats.Dropped++
			p.mu.Unlock()
			continue
		}
		scored = append(scored, model.ProcessedSignal{
			Signal:      s,
			Quality:     q,
			Conflicts:   conflictsFor(s.ID, resolved),
			ProcessedAt: now,
		})
	}

	// 6. Symbol-level limiting, best quality first.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Quality.Overall > scored[j].Quality.Overall
	})
	if len(scored) > p.cfg.MaxSignalsPerSymbol {
		p.mu.Lock()
		p.stats.Dropped += int64(len(scored) - p.cfg.MaxSignalsPerSymbol)
		p.mu.Unlock()
		scored = scored[:p.cfg.MaxSignalsPerSymbol]
	}

	return scored, nil
}

// validate returns a non-empty reason when the signal must be dropped.
func validate(s model.StrategySignal, now time.Time) string {
	switch {
	case s.ID == "" || s.StrategyID == "":
		return "missing identity"
	case s.Symbol == "":
		return "missing symbol"
	case s.Type == "":
		return "missing type"
	case s.Confidence < 0 || s.Confidence > 100:
		return "confidence out of range"
	case s.Expired(now):
		return "expired"
	case !s.Entry.IsZero() && !s.Entry.IsPositive():
		return "non-positive entry price"
	case !s.Valid:
		return "marked invalid"
	}
	return ""
}

// dedup collapses signals sharing (symbol, type, timeframe) to the single
// highest-confidence member. Strategy identity is deliberately not part of
// the key: two strategies proposing the same direction and timeframe merge
// at the portfolio level.
func dedup(group []model.StrategySignal) ([]model.StrategySignal, int) {
	type key struct {
		symbol    string
		typ       model.SignalType
		timeframe string
	}
	best := make(map[key]int, len(group))
	order := make([]key, 0, len(group))
	for i, s := range group {
		k := key{s.Symbol, s.Type, s.Timeframe}
		if j, ok := best[k]; ok {
			if s.Confidence > group[j].Confidence {
				best[k] = i
			}
			continue
		}
		best[k] = i
		order = append(order, k)
	}

	out := make([]model.StrategySignal, 0, len(order))
	for _, k := range order {
		out = append(out, group[best[k]])
	}
	return out, len(group) - len(out)
}

// score computes the weighted quality composite for one signal within its
// (post-resolution) symbol group.
func (p *Processor) score(s model.StrategySignal, group []model.StrategySignal, now time.Time) model.QualityMetrics {
	q := model.QualityMetrics{
		Confidence:      clamp01(s.Confidence / 100),
		Strength:        clamp01(s.Strength),
		Timeliness:      timeliness(s, now, p.cfg.MaxSignalAge),
		Consistency:     consistency(s, group),
		Risk:            riskScore(s),
		MarketAlignment: marketAlignment(s),
		StrategicValue:  s.Priority.Weight() / 4,
	}

	w := p.cfg.Weights
	total := w.sum()
	q.Overall = (q.Confidence*w.Confidence +
		q.Strength*w.Strength +
		q.Timeliness*w.Timeliness +
		q.Consistency*w.Consistency +
		q.Risk*w.Risk +
		q.MarketAlignment*w.MarketAlignment +
		q.StrategicValue*w.StrategicValue) / total
	return q
}

// timeliness decays linearly with age: max(0, 1 - age/maxAge).
func timeliness(s model.StrategySignal, now time.Time, maxAge time.Duration) float64 {
	if maxAge <= 0 {
		return 1
	}
	age := s.Age(now)
	if age <= 0 {
		return 1
	}
	v := 1 - float64(age)/float64(maxAge)
	if v < 0 {
		return 0
	}
	return v
}

// consistency is the fraction of the symbol group on the same side as s.
// A conflict-free group scores high by construction.
func consistency(s model.StrategySignal, group []model.StrategySignal) float64 {
	if len(group) <= 1 {
		return 1
	}
	same := 0
	for _, other := range group {
		if other.Type.IsBuySide() == s.Type.IsBuySide() &&
			other.Type.IsSellSide() == s.Type.IsSellSide() {
			same++
		}
	}
	return float64(same) / float64(len(group))
}

// riskScore inverts the declared risk bound; unset risk assumes the default.
func riskScore(s model.StrategySignal) float64 {
	risk := s.MaxRisk
	if risk == 0 {
		risk = defaultMaxRisk
	}
	return clamp01(1 - risk/100)
}

// marketAlignment rewards signals that arrive with their price levels worked
// out: stop and target presence each add to the base.
func marketAlignment(s model.StrategySignal) float64 {
	v := 0.5
	if !s.StopLoss.IsZero() {
		v += 0.25
	}
	if !s.Target.IsZero() {
		v += 0.25
	}
	return v
}

// rank sorts globally by overall quality descending and assigns 1-based
// ranks. Running it twice on the same batch is a no-op beyond the first pass.
func rank(processed []model.ProcessedSignal) {
	sort.SliceStable(processed, func(i, j int) bool {
		return processed[i].Quality.Overall > processed[j].Quality.Overall
	})
	for i := range processed {
		processed[i].Rank = i + 1
	}
}

func conflictsFor(signalID string, conflicts []model.SignalConflict) []model.SignalConflict {
	var out []model.SignalConflict
	for _, c := range conflicts {
		if containsID(c.SignalIDs, signalID) {
			out = append(out, c)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func groupBySymbol(signals []model.StrategySignal) map[string][]model.StrategySignal {
	groups := make(map[string][]model.StrategySignal)
	for _, s := range signals {
		groups[s.Symbol] = append(groups[s.Symbol], s)
	}
	return groups
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
