// Package compose assembles the turn's structured directive from the
// selection result. Composition enforces the token budget: the reactive slot
// always survives, proactive slots are admitted in score order while the
// budget holds.
package compose

import (
	"fmt"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/logging"
	"gapsense/internal/types"
)

// Composer turns selection results into directives.
type Composer struct {
	cfg catalog.Composition
}

// NewComposer builds a composer with the catalog's token budget.
func NewComposer(cfg catalog.Composition) *Composer {
	return &Composer{cfg: cfg}
}

// tokenCost resolves a behavior's cost, defaulting when undeclared.
func (c *Composer) tokenCost(b types.Behavior) int {
	if b.TokenCost > 0 {
		return b.TokenCost
	}
	return c.cfg.DefaultTokenCost
}

// Compose builds the directive for one turn.
//
// The reactive pick is admitted unconditionally: even when its cost alone
// exceeds the budget the turn must answer the trigger, so the proactive
// slots are dropped instead. A critical trigger with no eligible reactive
// behavior surfaces as EmptyReactiveSlot so the rendering collaborator can
// still acknowledge the signal.
func (c *Composer) Compose(sessionID string, sel types.SelectionResult, triggers []types.ActivatedTrigger, flagged []types.EdgeKey) types.Directive {
	timer := logging.StartTimer(logging.CategoryCompose, "Compose")
	defer timer.Stop()

	d := types.Directive{
		SessionID:      sessionID,
		ActiveTriggers: triggers,
		ComposedAt:     time.Now().UTC(),
	}

	budget := c.cfg.TokenBudget

	if sel.Reactive != nil {
		cost := c.tokenCost(sel.Reactive.Behavior)
		d.Reactive = &types.BehaviorDirective{
			BehaviorID: sel.Reactive.Behavior.ID,
			Intent:     sel.Reactive.Behavior.Intent,
			Score:      sel.Reactive.Score,
			TokenCost:  cost,
		}
		d.TokenCost += cost
		budget -= cost
	} else if hasCritical(triggers) {
		d.EmptyReactiveSlot = true
		logging.Compose("Critical trigger with no eligible reactive behavior (session=%s)", sessionID)
	}

	for _, p := range sel.Proactive {
		cost := c.tokenCost(p.Behavior)
		if cost > budget {
			logging.ComposeDebug("Dropping proactive %s: cost %d exceeds remaining budget %d", p.Behavior.ID, cost, budget)
			continue
		}
		d.Proactive = append(d.Proactive, types.BehaviorDirective{
			BehaviorID: p.Behavior.ID,
			Intent:     p.Behavior.Intent,
			Score:      p.Score,
			TokenCost:  cost,
		})
		d.TokenCost += cost
		budget -= cost
	}

	for _, key := range flagged {
		d.SupportingReferences = append(d.SupportingReferences, fmt.Sprintf("contested evidence: %s", key.String()))
	}

	logging.Compose("Composed directive: reactive=%v proactive=%d cost=%d/%d (session=%s)",
		d.Reactive != nil, len(d.Proactive), d.TokenCost, c.cfg.TokenBudget, sessionID)
	return d
}

func hasCritical(triggers []types.ActivatedTrigger) bool {
	for _, t := range triggers {
		if t.Priority == types.PriorityCritical {
			return true
		}
	}
	return false
}
