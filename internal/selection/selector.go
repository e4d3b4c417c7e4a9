// Package selection picks response behaviors for a turn.
//
// Selection is a pure function of three inputs: the behavior catalog, the
// knowledge snapshot, and the turn's activated triggers. It produces at most
// one reactive behavior (bound to an active trigger category) and up to
// MaxProactive proactive behaviors, greedily by situation score with
// catalog declaration order breaking ties.
package selection

import (
	"gapsense/internal/catalog"
	"gapsense/internal/knowledge"
	"gapsense/internal/logging"
	"gapsense/internal/types"
)

// Selector scores and picks behaviors from an immutable catalog.
type Selector struct {
	behaviors []types.Behavior
	cfg       catalog.Selection
}

// NewSelector builds a selector over the catalog's behaviors. Declaration
// order is preserved; it is the deterministic tie-break.
func NewSelector(cat *catalog.Catalog) *Selector {
	return &Selector{
		behaviors: cat.Behaviors,
		cfg:       cat.Selection,
	}
}

// SituationWeights derives the per-dimension weight vector for this turn:
// the snapshot contribution (numeric value scaled by confidence) plus every
// active trigger's boosts scaled by its post-escalation priority.
func (s *Selector) SituationWeights(snap knowledge.Snapshot, triggers []types.ActivatedTrigger, lookup func(string) (types.Trigger, bool)) map[string]float64 {
	weights := make(map[string]float64)

	for _, dim := range snap.Dimensions() {
		if !dim.Known() {
			continue
		}
		weights[dim.ID] = dim.NumericValue() * dim.Confidence
	}

	for _, act := range triggers {
		t, ok := lookup(act.TriggerID)
		if !ok {
			continue
		}
		scale := s.cfg.PriorityBoostScale[act.Priority]
		for dim, boost := range t.Boosts {
			weights[dim] += boost * scale
		}
	}
	return weights
}

// score is the dot product of the behavior's affinity vector with the
// situation weights. Dimensions absent from either side contribute zero.
func score(b types.Behavior, weights map[string]float64) float64 {
	var total float64
	for dim, affinity := range b.Affinity {
		total += affinity * weights[dim]
	}
	return total
}

// Select runs one selection pass.
//
// Reactive: the highest-scoring reactive behavior whose trigger categories
// intersect the active triggers and whose gates pass. Proactive: greedy by
// score from the remaining non-reactive pool, removing each pick's exclusions
// (the reactive pick's exclusions are removed first). Ties keep the earlier
// catalog entry: a later candidate replaces only on a strictly greater score.
func (s *Selector) Select(snap knowledge.Snapshot, triggers []types.ActivatedTrigger, weights map[string]float64) types.SelectionResult {
	timer := logging.StartTimer(logging.CategorySelect, "Select")
	defer timer.Stop()

	activeCategories := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		activeCategories[t.Category] = true
	}

	excluded := make(map[string]bool)
	var result types.SelectionResult

	// Reactive pass.
	var reactiveIdx = -1
	var reactiveScore float64
	for i, b := range s.behaviors {
		if !b.Reactive {
			continue
		}
		bound := false
		for cat := range activeCategories {
			if b.RespondsTo(cat) {
				bound = true
				break
			}
		}
		if !bound || !snap.EvalAll(b.Gates) {
			continue
		}
		sc := score(b, weights)
		if reactiveIdx < 0 || sc > reactiveScore {
			reactiveIdx, reactiveScore = i, sc
		}
	}
	if reactiveIdx >= 0 {
		pick := s.behaviors[reactiveIdx]
		result.Reactive = &types.ScoredBehavior{Behavior: pick, Score: reactiveScore}
		excluded[pick.ID] = true
		for _, id := range pick.Excludes {
			excluded[id] = true
		}
		logging.Select("Reactive pick: %s (score=%.3f)", pick.ID, reactiveScore)
	}

	// Proactive passes: greedy with exclusion removal after each pick.
	for len(result.Proactive) < s.cfg.MaxProactive {
		bestIdx := -1
		var bestScore float64
		for i, b := range s.behaviors {
			if b.Reactive || excluded[b.ID] {
				continue
			}
			if !snap.EvalAll(b.Gates) {
				continue
			}
			sc := score(b, weights)
			if bestIdx < 0 || sc > bestScore {
				bestIdx, bestScore = i, sc
			}
		}
		if bestIdx < 0 {
			break
		}
		pick := s.behaviors[bestIdx]
		result.Proactive = append(result.Proactive, types.ScoredBehavior{Behavior: pick, Score: bestScore})
		excluded[pick.ID] = true
		for _, id := range pick.Excludes {
			excluded[id] = true
		}
		logging.SelectDebug("Proactive pick %d: %s (score=%.3f)", len(result.Proactive), pick.ID, bestScore)
	}

	return result
}
