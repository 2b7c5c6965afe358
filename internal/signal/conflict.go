package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-trading/halcyon/internal/model"
)

// ResolutionStrategy selects the arbitration algorithm for directional
// conflicts.
type ResolutionStrategy string

const (
	// ResolutionConfidence keeps the signal with the highest confidence.
	ResolutionConfidence ResolutionStrategy = "confidence_based"
	// ResolutionPriorityWeighted keeps the highest
	// (confidence/100) * priorityWeight * strength.
	ResolutionPriorityWeighted ResolutionStrategy = "priority_weighted"
	// ResolutionFirstWins keeps the earliest signal.
	ResolutionFirstWins ResolutionStrategy = "first_wins"
	// ResolutionRiskAdjusted keeps the highest
	// (confidence/100) * (1 - maxRisk/100). Unset risk defaults to 50.
	ResolutionRiskAdjusted ResolutionStrategy = "risk_adjusted"
)

// defaultMaxRisk is assumed when a signal carries no explicit risk bound.
const defaultMaxRisk = 50.0

// detectConflicts inspects one symbol group. A directional conflict exists
// when the group contains both buy-side and sell-side signals; a resource
// conflict when the group exceeds maxPerSymbol. Both may be reported for the
// same group.
func detectConflicts(symbol string, group []model.StrategySignal, maxPerSymbol int) []model.SignalConflict {
	var conflicts []model.SignalConflict
	now := time.Now()

	var buys, sells []string
	for _, s := range group {
		if s.Type.IsBuySide() {
			buys = append(buys, s.ID)
		} else if s.Type.IsSellSide() {
			sells = append(sells, s.ID)
		}
	}

	if len(buys) > 0 && len(sells) > 0 {
		ids := append(append([]string{}, buys...), sells...)
		conflicts = append(conflicts, model.SignalConflict{
			ID:         uuid.New().String(),
			Type:       model.ConflictDirectional,
			Symbol:     symbol,
			SignalIDs:  ids,
			Severity:   0.8,
			DetectedAt: now,
		})
	}

	if maxPerSymbol > 0 && len(group) > maxPerSymbol {
		ids := make([]string, len(group))
		for i, s := range group {
			ids[i] = s.ID
		}
		overflow := float64(len(group)-maxPerSymbol) / float64(len(group))
		conflicts = append(conflicts, model.SignalConflict{
			ID:         uuid.New().String(),
			Type:       model.ConflictResource,
			Symbol:     symbol,
			SignalIDs:  ids,
			Severity:   0.3 + 0.7*overflow,
			DetectedAt: now,
		})
	}

	return conflicts
}

// arbitrationScore scores one signal under the configured strategy. Higher
// wins; for first_wins the score is the negated age so the earliest signal
// scores highest.
func arbitrationScore(strategy ResolutionStrategy, s model.StrategySignal) (float64, error) {
	switch strategy {
	case ResolutionConfidence:
		return s.Confidence, nil
	case ResolutionPriorityWeighted:
		return (s.Confidence / 100) * s.Priority.Weight() * s.Strength, nil
	case ResolutionFirstWins:
		return -float64(s.CreatedAt.UnixNano()), nil
	case ResolutionRiskAdjusted:
		risk := s.MaxRisk
		if risk == 0 {
			risk = defaultMaxRisk
		}
		return (s.Confidence / 100) * (1 - risk/100), nil
	default:
		return 0, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// resolveDirectional picks the winner among the implicated signals and
// removes the losers from the group. Signals outside the conflict set are
// untouched. The resolved conflict is returned with winner, strategy, and a
// margin-based confidence attached.
func resolveDirectional(strategy ResolutionStrategy, conflict model.SignalConflict, group []model.StrategySignal) (model.SignalConflict, []model.StrategySignal, error) {
	implicated := make(map[string]bool, len(conflict.SignalIDs))
	for _, id := range conflict.SignalIDs {
		implicated[id] = true
	}

	var (
		winner   model.StrategySignal
		best     float64
		runnerUp float64
		found    bool
	)
	for _, s := range group {
		if !implicated[s.ID] {
			continue
		}
		score, err := arbitrationScore(strategy, s)
		if err != nil {
			return conflict, group, err
		}
		switch {
		case !found:
			winner, best, found = s, score, true
		case score > best:
			runnerUp = best
			winner, best = s, score
		case score > runnerUp:
			runnerUp = score
		}
	}
	if !found {
		return conflict, group, nil
	}

	conflict.WinnerID = winner.ID
	conflict.Resolution = string(strategy)
	conflict.ResolutionConfidence = resolutionConfidence(best, runnerUp)

	kept := group[:0]
	for _, s := range group {
		if !implicated[s.ID] || s.ID == winner.ID {
			kept = append(kept, s)
		}
	}
	return conflict, kept, nil
}

// resolutionConfidence derives confidence in the choice from the winner's
// margin over the runner-up. A clear margin approaches 1; a dead heat 0.5.
func resolutionConfidence(best, runnerUp float64) float64 {
	if runnerUp <= 0 || best <= 0 {
		return 1
	}
	return best / (best + runnerUp)
}
