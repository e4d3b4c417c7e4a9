// Package catalog loads the static configuration that drives the reasoning
// core: the trigger catalog, the behavior catalog, the knowledge-dimension
// registry, and the scoring constants. Catalogs are externally authored data,
// loaded once per session and immutable for its lifetime; the engine stays
// generic over their size and content.
package catalog

import (
	"fmt"
	"os"
	"regexp"

	"gapsense/internal/logging"
	"gapsense/internal/types"

	"gopkg.in/yaml.v3"
)

// Scoring holds the aggregation constants shared by the evidence store and
// the knowledge state.
type Scoring struct {
	// Prior mean every edge regresses toward under sparse evidence.
	PriorMean float64 `yaml:"prior_mean"`

	// PseudoCount is the regression strength C: confidence = W/(W+C).
	PseudoCount float64 `yaml:"pseudo_count"`

	// TierBase is the exponent base for tier weights: w(t) = base^(t-1).
	TierBase float64 `yaml:"tier_base"`

	// VarianceThreshold flags an edge for user clarification when the
	// weighted rating variance exceeds it. Contradictions are surfaced,
	// not resolved.
	VarianceThreshold float64 `yaml:"variance_threshold"`

	// KnowledgePseudoCount is the C used for inferred dimension updates.
	KnowledgePseudoCount float64 `yaml:"knowledge_pseudo_count"`

	// ConfirmWeight is the accumulated weight an explicit user confirmation
	// contributes to a dimension's update history.
	ConfirmWeight float64 `yaml:"confirm_weight"`
}

// Selection holds the selector tuning knobs.
type Selection struct {
	// PriorityBoostScale scales a trigger's situation boosts by priority rank.
	PriorityBoostScale map[types.Priority]float64 `yaml:"priority_boost_scale"`

	// MaxProactive is the proactive pick cap per turn.
	MaxProactive int `yaml:"max_proactive"`
}

// Detection holds the detector tuning knobs.
type Detection struct {
	// SimilarityThreshold is the default semantic match threshold when a
	// trigger does not declare its own.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// SemanticTimeout bounds the embedding lookup per turn (duration string).
	SemanticTimeout string `yaml:"semantic_timeout"`
}

// Composition holds the composer tuning knobs.
type Composition struct {
	// TokenBudget is the directive budget per turn.
	TokenBudget int `yaml:"token_budget"`

	// DefaultTokenCost is used for behaviors that do not declare a cost.
	DefaultTokenCost int `yaml:"default_token_cost"`
}

// Catalog is the full static configuration for a session.
type Catalog struct {
	Triggers   []types.Trigger       `yaml:"triggers"`
	Behaviors  []types.Behavior      `yaml:"behaviors"`
	Dimensions []types.DimensionSpec `yaml:"dimensions"`

	Scoring     Scoring     `yaml:"scoring"`
	Selection   Selection   `yaml:"selection"`
	Detection   Detection   `yaml:"detection"`
	Composition Composition `yaml:"composition"`
}

// DefaultScoring returns the reference aggregation constants.
func DefaultScoring() Scoring {
	return Scoring{
		PriorMean:            2.0,
		PseudoCount:          10,
		TierBase:             3,
		VarianceThreshold:    1.5,
		KnowledgePseudoCount: 2.0,
		ConfirmWeight:        50,
	}
}

// Load reads a catalog from a YAML file, applies defaults, and validates it.
func Load(path string) (*Catalog, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "Load")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	logging.Catalog("Loaded catalog from %s: %d triggers, %d behaviors, %d dimensions",
		path, len(c.Triggers), len(c.Behaviors), len(c.Dimensions))
	return &c, nil
}

// applyDefaults fills zero-valued tuning sections.
func (c *Catalog) applyDefaults() {
	if c.Scoring == (Scoring{}) {
		c.Scoring = DefaultScoring()
	}
	if c.Scoring.TierBase == 0 {
		c.Scoring.TierBase = 3
	}
	if c.Scoring.PseudoCount == 0 {
		c.Scoring.PseudoCount = 10
	}
	if c.Scoring.KnowledgePseudoCount == 0 {
		c.Scoring.KnowledgePseudoCount = 2.0
	}
	if c.Scoring.ConfirmWeight == 0 {
		c.Scoring.ConfirmWeight = 50
	}
	if c.Scoring.VarianceThreshold == 0 {
		c.Scoring.VarianceThreshold = 1.5
	}
	if c.Selection.MaxProactive == 0 {
		c.Selection.MaxProactive = 2
	}
	if c.Selection.PriorityBoostScale == nil {
		c.Selection.PriorityBoostScale = map[types.Priority]float64{
			types.PriorityLow:      0.5,
			types.PriorityMedium:   1.0,
			types.PriorityHigh:     1.5,
			types.PriorityCritical: 2.0,
		}
	}
	if c.Detection.SimilarityThreshold == 0 {
		c.Detection.SimilarityThreshold = 0.62
	}
	if c.Detection.SemanticTimeout == "" {
		c.Detection.SemanticTimeout = "3s"
	}
	if c.Composition.TokenBudget == 0 {
		c.Composition.TokenBudget = 400
	}
	if c.Composition.DefaultTokenCost == 0 {
		c.Composition.DefaultTokenCost = 120
	}
}

// Validate checks internal consistency. A catalog referencing an undefined
// behavior, trigger, or dimension id is a contract violation and fails hard.
func (c *Catalog) Validate() error {
	triggerIDs := make(map[string]bool, len(c.Triggers))
	for _, t := range c.Triggers {
		if t.ID == "" {
			return fmt.Errorf("catalog: trigger with empty id")
		}
		if triggerIDs[t.ID] {
			return fmt.Errorf("catalog: duplicate trigger id %q", t.ID)
		}
		triggerIDs[t.ID] = true
		if !t.Priority.Valid() {
			return fmt.Errorf("catalog: trigger %q has invalid priority %q", t.ID, t.Priority)
		}
		for _, p := range t.Detection.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("catalog: trigger %q has invalid pattern %q: %w", t.ID, p, err)
			}
		}
	}

	for _, t := range c.Triggers {
		if t.Fallback != "" && !triggerIDs[t.Fallback] {
			return fmt.Errorf("catalog: trigger %q references undefined fallback %q", t.ID, t.Fallback)
		}
		if t.Intensity && t.Fallback == "" {
			return fmt.Errorf("catalog: intensity trigger %q must declare a fallback", t.ID)
		}
	}

	dimIDs := make(map[string]bool, len(c.Dimensions))
	for _, d := range c.Dimensions {
		if d.ID == "" {
			return fmt.Errorf("catalog: dimension with empty id")
		}
		if dimIDs[d.ID] {
			return fmt.Errorf("catalog: duplicate dimension id %q", d.ID)
		}
		dimIDs[d.ID] = true
		switch d.Type {
		case types.DimensionBoolean, types.DimensionNumeric, types.DimensionCategorical:
		default:
			return fmt.Errorf("catalog: dimension %q has invalid type %q", d.ID, d.Type)
		}
	}

	behaviorIDs := make(map[string]bool, len(c.Behaviors))
	for _, b := range c.Behaviors {
		if b.ID == "" {
			return fmt.Errorf("catalog: behavior with empty id")
		}
		if behaviorIDs[b.ID] {
			return fmt.Errorf("catalog: duplicate behavior id %q", b.ID)
		}
		behaviorIDs[b.ID] = true
	}

	for _, b := range c.Behaviors {
		for _, excl := range b.Excludes {
			if !behaviorIDs[excl] {
				return fmt.Errorf("catalog: behavior %q excludes undefined behavior %q", b.ID, excl)
			}
		}
		if b.Reactive && len(b.TriggerCategories) == 0 {
			return fmt.Errorf("catalog: reactive behavior %q is not bound to any trigger category", b.ID)
		}
	}

	// Gate predicates over unregistered dimensions are not a catalog error:
	// they evaluate false at runtime, excluding the behavior.

	return nil
}

// Behavior returns the behavior with the given id.
func (c *Catalog) Behavior(id string) (types.Behavior, bool) {
	for _, b := range c.Behaviors {
		if b.ID == id {
			return b, true
		}
	}
	return types.Behavior{}, false
}

// Trigger returns the trigger with the given id.
func (c *Catalog) Trigger(id string) (types.Trigger, bool) {
	for _, t := range c.Triggers {
		if t.ID == id {
			return t, true
		}
	}
	return types.Trigger{}, false
}
