// Package knowledge maintains the session-scoped knowledge state: a vector
// of named dimensions updated incrementally over the conversation. Dimension
// histories are append-only and the current value/confidence is a pure
// function of the history, so state is replayable for debugging or recovery.
package knowledge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/logging"
	"gapsense/internal/types"
)

// State is one session's knowledge vector. Dimensions are declared once at
// session start from the registry and are never deleted, only updated.
type State struct {
	mu      sync.RWMutex
	dims    map[string]*dimRecord
	order   []string
	scoring catalog.Scoring
}

type dimRecord struct {
	spec    types.DimensionSpec
	current types.KnowledgeDimension
	history []types.DimensionUpdate
	weight  float64 // accumulated update weight for confidence regression
}

// NewState initializes every registered dimension at its default value with
// zero confidence.
func NewState(specs []types.DimensionSpec, scoring catalog.Scoring) *State {
	s := &State{
		dims:    make(map[string]*dimRecord, len(specs)),
		scoring: scoring,
	}
	for _, spec := range specs {
		value := spec.Default
		if value == "" {
			value = types.ValueUnknown
		}
		s.dims[spec.ID] = &dimRecord{
			spec: spec,
			current: types.KnowledgeDimension{
				ID:    spec.ID,
				Type:  spec.Type,
				Value: value,
			},
		}
		s.order = append(s.order, spec.ID)
	}
	return s
}

// Update applies one update to a dimension. Inferred updates regress the
// confidence toward zero trust with the same pseudo-count scheme evidence
// aggregation uses; an explicit user confirmation bypasses regression and
// sets confidence to 1.0 directly. Updating an unregistered dimension is a
// contract violation.
func (s *State) Update(id, value string, confidence float64, source types.UpdateSource, updatedBy string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dims[id]
	if !ok {
		return fmt.Errorf("knowledge: dimension %q is not registered", id)
	}

	update := types.DimensionUpdate{
		DimensionID: id,
		Value:       value,
		Confidence:  confidence,
		Source:      source,
		UpdatedBy:   updatedBy,
		Timestamp:   ts,
	}
	rec.history = append(rec.history, update)

	switch source {
	case types.SourceConfirmed:
		rec.weight += s.scoring.ConfirmWeight
		rec.current.Confidence = 1.0
	default:
		rec.weight += confidence
		rec.current.Confidence = rec.weight / (rec.weight + s.scoring.KnowledgePseudoCount)
	}
	rec.current.Value = value
	rec.current.LastUpdatedBy = updatedBy
	rec.current.LastUpdated = ts

	logging.KnowledgeDebug("Dimension %s: value=%q confidence=%.3f source=%s",
		id, value, rec.current.Confidence, source)
	return nil
}

// History returns a copy of a dimension's append-only update history.
func (s *State) History(id string) []types.DimensionUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.dims[id]
	if !ok {
		return nil
	}
	return append([]types.DimensionUpdate(nil), rec.history...)
}

// Replay recomputes a dimension's current value and confidence from a
// history. The result is identical to applying the updates incrementally.
func Replay(spec types.DimensionSpec, history []types.DimensionUpdate, scoring catalog.Scoring) types.KnowledgeDimension {
	value := spec.Default
	if value == "" {
		value = types.ValueUnknown
	}
	dim := types.KnowledgeDimension{ID: spec.ID, Type: spec.Type, Value: value}

	var weight float64
	for _, u := range history {
		if u.Source == types.SourceConfirmed {
			weight += scoring.ConfirmWeight
			dim.Confidence = 1.0
		} else {
			weight += u.Confidence
			dim.Confidence = weight / (weight + scoring.KnowledgePseudoCount)
		}
		dim.Value = u.Value
		dim.LastUpdatedBy = u.UpdatedBy
		dim.LastUpdated = u.Timestamp
	}
	return dim
}

// Snapshot returns an immutable copy of the state for the remainder of the
// current turn's trigger/selection computation. Later updates to the state
// do not leak into an existing snapshot.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dims := make(map[string]types.KnowledgeDimension, len(s.dims))
	for id, rec := range s.dims {
		dims[id] = rec.current
	}
	return Snapshot{
		dims:  dims,
		order: append([]string(nil), s.order...),
	}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is a point-in-time immutable copy of the knowledge state.
type Snapshot struct {
	dims  map[string]types.KnowledgeDimension
	order []string
}

// Get returns a dimension by id.
func (sn Snapshot) Get(id string) (types.KnowledgeDimension, bool) {
	dim, ok := sn.dims[id]
	return dim, ok
}

// Dimensions returns all dimensions in registry declaration order.
func (sn Snapshot) Dimensions() []types.KnowledgeDimension {
	out := make([]types.KnowledgeDimension, 0, len(sn.order))
	for _, id := range sn.order {
		out = append(out, sn.dims[id])
	}
	return out
}

// Eval evaluates one gate predicate against the snapshot. Unknown or missing
// dimensions evaluate to false (fail-open to exclusion), never an error.
func (sn Snapshot) Eval(p types.Predicate) bool {
	dim, ok := sn.dims[p.Dimension]
	if !ok {
		return false
	}

	if p.Op == types.OpKnown {
		return dim.Known()
	}
	if !dim.Known() {
		return false
	}

	dimNum, dimIsNum := strconv.ParseFloat(dim.Value, 64)
	if dim.Type == types.DimensionBoolean {
		dimNum, dimIsNum = dim.NumericValue(), nil
	}
	predNum, predIsNum := strconv.ParseFloat(p.Value, 64)

	numeric := dimIsNum == nil && predIsNum == nil

	switch p.Op {
	case types.OpEq:
		if numeric {
			return dimNum == predNum
		}
		return strings.EqualFold(dim.Value, p.Value)
	case types.OpNe:
		if numeric {
			return dimNum != predNum
		}
		return !strings.EqualFold(dim.Value, p.Value)
	case types.OpGt:
		return numeric && dimNum > predNum
	case types.OpGte:
		return numeric && dimNum >= predNum
	case types.OpLt:
		return numeric && dimNum < predNum
	case types.OpLte:
		return numeric && dimNum <= predNum
	default:
		return false
	}
}

// EvalAll evaluates a conjunction of predicates. An empty gate list is true.
func (sn Snapshot) EvalAll(preds []types.Predicate) bool {
	for _, p := range preds {
		if !sn.Eval(p) {
			return false
		}
	}
	return true
}

