// Package types provides shared type definitions used across gapsense packages.
// This package exists to break import cycles between the evidence, detection,
// and selection layers. Types in this package should be foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// EVIDENCE AND CAPABILITY EDGES
// =============================================================================

// Tier bounds for evidence classification. Higher tiers carry exponentially
// more aggregation weight.
const (
	MinTier = 1
	MaxTier = 5
)

// Evidence is a single recorded observation about a capability edge.
// Immutable once recorded; the per-edge log is append-only.
type Evidence struct {
	ID             string    `json:"id"`
	Statement      string    `json:"statement"`
	Tier           int       `json:"tier"`   // 1..5
	Rating         float64   `json:"rating"` // 1..5 capability rating asserted by the statement
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
}

// Scope optionally narrows a capability edge to a domain/system/team triple.
// Zero value means unscoped.
type Scope struct {
	Domain string `json:"domain,omitempty"`
	System string `json:"system,omitempty"`
	Team   string `json:"team,omitempty"`
}

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool {
	return s.Domain == "" && s.System == "" && s.Team == ""
}

func (s Scope) String() string {
	if s.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", s.Domain, s.System, s.Team)
}

// EdgeKey identifies a capability edge: a scored relationship between a
// contributing factor and a target output.
type EdgeKey struct {
	Source       string `json:"source"`
	TargetOutput string `json:"target_output"`
	Scope        Scope  `json:"scope,omitempty"`
}

func (k EdgeKey) String() string {
	if k.Scope.IsZero() {
		return k.Source + "->" + k.TargetOutput
	}
	return k.Source + "->" + k.TargetOutput + "@" + k.Scope.String()
}

// EdgeScore is the derived aggregate of an edge's evidence log.
type EdgeScore struct {
	Score      float64 `json:"score"`      // 1..5, prior-regressed weighted average
	Confidence float64 `json:"confidence"` // 0..1
}

// CapabilityEdge is an edge key plus its evidence log and derived score.
// Score and confidence are a pure function of the log.
type CapabilityEdge struct {
	Key                EdgeKey    `json:"key"`
	Log                []Evidence `json:"log"`
	Derived            EdgeScore  `json:"derived"`
	NeedsClarification bool       `json:"needs_clarification"`
}

// ScoredEdge pairs an edge key with its current aggregate score.
type ScoredEdge struct {
	Key   EdgeKey
	Score float64
}

// OutputAssessment is the weakest-link result for one output.
type OutputAssessment struct {
	OutputID    string    `json:"output_id"`
	Quality     float64   `json:"quality"`
	Bottlenecks []EdgeKey `json:"bottlenecks"`
}

// =============================================================================
// KNOWLEDGE STATE
// =============================================================================

// DimensionType classifies a knowledge dimension's value domain.
type DimensionType string

const (
	DimensionBoolean     DimensionType = "boolean"
	DimensionNumeric     DimensionType = "numeric"
	DimensionCategorical DimensionType = "categorical"
)

// UpdateSource identifies what produced a knowledge-state update.
type UpdateSource string

const (
	SourceInferred  UpdateSource = "inferred"  // trigger/selection outcome, regressed
	SourceConfirmed UpdateSource = "confirmed" // explicit user confirmation, confidence 1.0
)

// ValueUnknown is the default value every dimension starts with.
const ValueUnknown = "unknown"

// KnowledgeDimension is one tracked attribute of conversation or user state.
type KnowledgeDimension struct {
	ID            string        `json:"id"`
	Type          DimensionType `json:"type"`
	Value         string        `json:"value"`
	Confidence    float64       `json:"confidence"`
	LastUpdatedBy string        `json:"last_updated_by"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// Known reports whether the dimension has moved off its default value.
func (d KnowledgeDimension) Known() bool {
	return d.Value != ValueUnknown && d.Value != ""
}

// NumericValue maps the dimension value onto [0,1] for situation weighting.
// Booleans map true->1 false->0; numerics are parsed and clamped to [0,1];
// categoricals map to 1 when known.
func (d KnowledgeDimension) NumericValue() float64 {
	if !d.Known() {
		return 0
	}
	switch d.Type {
	case DimensionBoolean:
		if strings.EqualFold(d.Value, "true") || d.Value == "1" || strings.EqualFold(d.Value, "yes") {
			return 1
		}
		return 0
	case DimensionNumeric:
		var f float64
		if _, err := fmt.Sscanf(d.Value, "%f", &f); err != nil {
			return 0
		}
		if f < 0 {
			return 0
		}
		if f > 1 {
			return 1
		}
		return f
	default:
		return 1
	}
}

// DimensionSpec declares a dimension in the static registry.
type DimensionSpec struct {
	ID      string        `json:"id" yaml:"id"`
	Type    DimensionType `json:"type" yaml:"type"`
	Default string        `json:"default,omitempty" yaml:"default,omitempty"`
}

// DimensionUpdate is one entry in a dimension's append-only update history.
type DimensionUpdate struct {
	DimensionID string       `json:"dimension_id"`
	Value       string       `json:"value"`
	Confidence  float64      `json:"confidence"`
	Source      UpdateSource `json:"source"`
	UpdatedBy   string       `json:"updated_by"`
	Timestamp   time.Time    `json:"timestamp"`
}

// =============================================================================
// PREDICATES (KNOWLEDGE GATES)
// =============================================================================

// PredicateOp is a comparison operator over a knowledge dimension.
type PredicateOp string

const (
	OpEq    PredicateOp = "eq"
	OpNe    PredicateOp = "ne"
	OpGt    PredicateOp = "gt"
	OpGte   PredicateOp = "gte"
	OpLt    PredicateOp = "lt"
	OpLte   PredicateOp = "lte"
	OpKnown PredicateOp = "known"
)

// Predicate is one knowledge-gate condition. A predicate referencing an
// unregistered dimension evaluates to false, never errors.
type Predicate struct {
	Dimension string      `json:"dimension" yaml:"dimension"`
	Op        PredicateOp `json:"op" yaml:"op"`
	Value     string      `json:"value,omitempty" yaml:"value,omitempty"`
}

// =============================================================================
// TRIGGERS
// =============================================================================

// Priority orders trigger urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the numeric rank of the priority (low=0 .. critical=3).
func (p Priority) Rank() int {
	return priorityRank[p]
}

// Escalate returns the priority one tier higher, capped at critical.
func (p Priority) Escalate() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// Valid reports whether the priority is one of the four defined tiers.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// DetectionMethod names how a trigger is detected.
type DetectionMethod string

const (
	MethodKeyword  DetectionMethod = "keyword"
	MethodRegex    DetectionMethod = "regex"
	MethodSemantic DetectionMethod = "semantic"
	MethodState    DetectionMethod = "state" // predicate over the knowledge snapshot
)

// DetectionSpec configures how a trigger fires.
type DetectionSpec struct {
	Method     DetectionMethod `json:"method" yaml:"method"`
	Keywords   []string        `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Patterns   []string        `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Phrases    []string        `json:"phrases,omitempty" yaml:"phrases,omitempty"` // reference phrases for semantic match
	Threshold  float64         `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Conditions []Predicate     `json:"conditions,omitempty" yaml:"conditions,omitempty"` // for method=state
}

// Trigger is a statically configured detectable signal. Intensity triggers
// (e.g. profanity) never stand alone while a base trigger fired in the same
// utterance; they amplify it instead.
type Trigger struct {
	ID        string            `json:"id" yaml:"id"`
	Category  string            `json:"category" yaml:"category"`
	Priority  Priority          `json:"priority" yaml:"priority"`
	Detection DetectionSpec     `json:"detection" yaml:"detection"`
	Intensity bool              `json:"intensity,omitempty" yaml:"intensity,omitempty"`
	Fallback  string            `json:"fallback,omitempty" yaml:"fallback,omitempty"` // trigger id emitted when an intensity signal fires alone
	Boosts    map[string]float64 `json:"boosts,omitempty" yaml:"boosts,omitempty"`    // dimension -> situation boost for the current turn
}

// ActivatedTrigger is a trigger that fired for the current utterance.
type ActivatedTrigger struct {
	TriggerID   string          `json:"trigger_id"`
	Category    string          `json:"category"`
	Priority    Priority        `json:"priority"` // after intensity escalation
	Method      DetectionMethod `json:"method"`
	Matched     string          `json:"matched,omitempty"`
	Similarity  float64         `json:"similarity,omitempty"`
	Intensified bool            `json:"intensified,omitempty"`
}

// =============================================================================
// BEHAVIORS AND SELECTION
// =============================================================================

// Behavior is a candidate response strategy from the behavior catalog.
type Behavior struct {
	ID                string             `json:"id" yaml:"id"`
	Intent            string             `json:"intent" yaml:"intent"`
	Reactive          bool               `json:"reactive,omitempty" yaml:"reactive,omitempty"`
	TriggerCategories []string           `json:"trigger_categories,omitempty" yaml:"trigger_categories,omitempty"`
	Affinity          map[string]float64 `json:"affinity,omitempty" yaml:"affinity,omitempty"`
	Gates             []Predicate        `json:"gates,omitempty" yaml:"gates,omitempty"`
	Excludes          []string           `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	TokenCost         int                `json:"token_cost,omitempty" yaml:"token_cost,omitempty"`
}

// RespondsTo reports whether the behavior is bound to the trigger category.
func (b Behavior) RespondsTo(category string) bool {
	for _, c := range b.TriggerCategories {
		if c == category {
			return true
		}
	}
	return false
}

// ScoredBehavior is a selection pick with its situation score.
type ScoredBehavior struct {
	Behavior Behavior `json:"behavior"`
	Score    float64  `json:"score"`
}

// SelectionResult holds the ordered picks of one selection pass:
// zero or one reactive, zero to two proactive.
type SelectionResult struct {
	Reactive  *ScoredBehavior  `json:"reactive,omitempty"`
	Proactive []ScoredBehavior `json:"proactive"`
}

// =============================================================================
// TURN I/O
// =============================================================================

// EvidenceObservation is structured evidence extracted from an utterance by
// the external perception collaborator.
type EvidenceObservation struct {
	Edge      EdgeKey `json:"edge"`
	Statement string  `json:"statement"`
	Tier      int     `json:"tier"`
	Rating    float64 `json:"rating"`
}

// TurnInput is the per-turn input to the reasoning core.
type TurnInput struct {
	SessionID    string                `json:"session_id"`
	Utterance    string                `json:"utterance"`
	Timestamp    time.Time             `json:"timestamp"`
	Observations []EvidenceObservation `json:"observations,omitempty"`
	Updates      []DimensionUpdate     `json:"updates,omitempty"`
}

// BehaviorDirective is one behavior slot in the composed directive.
type BehaviorDirective struct {
	BehaviorID string  `json:"behavior_id"`
	Intent     string  `json:"intent"`
	Score      float64 `json:"score"`
	TokenCost  int     `json:"token_cost"`
}

// Directive is the structured, non-prose output of one turn, consumed by the
// external LLM-rendering collaborator. The core never synthesizes text.
type Directive struct {
	SessionID            string              `json:"session_id"`
	Reactive             *BehaviorDirective  `json:"reactive,omitempty"`
	EmptyReactiveSlot    bool                `json:"empty_reactive_slot,omitempty"` // critical trigger fired but no eligible reactive behavior
	Proactive            []BehaviorDirective `json:"proactive"`
	ActiveTriggers       []ActivatedTrigger  `json:"active_triggers,omitempty"`
	SupportingReferences []string            `json:"supporting_references,omitempty"`
	TokenCost            int                 `json:"token_cost"`
	ComposedAt           time.Time           `json:"composed_at"`
}
