// Package evidence implements the per-session evidence store. Each capability
// edge holds an append-only evidence log; its score and confidence are a pure
// function of that log, recomputable at any time with identical results.
package evidence

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/logging"
	"gapsense/internal/types"

	"github.com/google/uuid"
)

// Validation errors returned by AddEvidence. Rejected evidence causes no
// partial mutation.
var (
	ErrInvalidTier    = errors.New("evidence tier must be in [1,5]")
	ErrEmptyStatement = errors.New("evidence statement must not be empty")
)

// Store holds the evidence logs for one session's capability edges.
// Edges are created lazily on first evidence and recomputed on each append.
type Store struct {
	mu      sync.RWMutex
	edges   map[types.EdgeKey]*types.CapabilityEdge
	order   []types.EdgeKey // creation order, for deterministic listings
	scoring catalog.Scoring
}

// NewStore creates an empty store with the given scoring constants.
func NewStore(scoring catalog.Scoring) *Store {
	return &Store{
		edges:   make(map[types.EdgeKey]*types.CapabilityEdge),
		scoring: scoring,
	}
}

// AddEvidence validates and appends one evidence entry to an edge, then
// recomputes the edge's derived score. Returns the stored entry.
func (s *Store) AddEvidence(key types.EdgeKey, statement string, tier int, rating float64, ts time.Time, conversationID string) (types.Evidence, error) {
	if tier < types.MinTier || tier > types.MaxTier {
		return types.Evidence{}, fmt.Errorf("%w: got %d", ErrInvalidTier, tier)
	}
	if strings.TrimSpace(statement) == "" {
		return types.Evidence{}, ErrEmptyStatement
	}

	ev := types.Evidence{
		ID:             uuid.NewString(),
		Statement:      statement,
		Tier:           tier,
		Rating:         rating,
		Timestamp:      ts,
		ConversationID: conversationID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	edge, ok := s.edges[key]
	if !ok {
		edge = &types.CapabilityEdge{Key: key}
		s.edges[key] = edge
		s.order = append(s.order, key)
		logging.EvidenceDebug("Created edge %s", key)
	}

	edge.Log = append(edge.Log, ev)
	edge.Derived = Aggregate(edge.Log, s.scoring)
	edge.NeedsClarification = WeightedVariance(edge.Log, s.scoring) > s.scoring.VarianceThreshold

	logging.EvidenceDebug("Edge %s: %d entries, score=%.3f confidence=%.3f clarify=%v",
		key, len(edge.Log), edge.Derived.Score, edge.Derived.Confidence, edge.NeedsClarification)

	return ev, nil
}

// Seed replays a persisted evidence log into the store, recomputing the
// derived score once. Used by the persistence collaborator at session start.
func (s *Store) Seed(key types.EdgeKey, log []types.Evidence) {
	if len(log) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	edge, ok := s.edges[key]
	if !ok {
		edge = &types.CapabilityEdge{Key: key}
		s.edges[key] = edge
		s.order = append(s.order, key)
	}
	edge.Log = append(edge.Log, log...)
	edge.Derived = Aggregate(edge.Log, s.scoring)
	edge.NeedsClarification = WeightedVariance(edge.Log, s.scoring) > s.scoring.VarianceThreshold
}

// GetScore returns the derived score and confidence for an edge.
func (s *Store) GetScore(key types.EdgeKey) (types.EdgeScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, ok := s.edges[key]
	if !ok {
		return types.EdgeScore{}, false
	}
	return edge.Derived, true
}

// GetEdge returns a copy of the full edge, including its log.
func (s *Store) GetEdge(key types.EdgeKey) (types.CapabilityEdge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, ok := s.edges[key]
	if !ok {
		return types.CapabilityEdge{}, false
	}

	out := *edge
	out.Log = append([]types.Evidence(nil), edge.Log...)
	return out, true
}

// Edges returns copies of all edges in creation order.
func (s *Store) Edges() []types.CapabilityEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.CapabilityEdge, 0, len(s.order))
	for _, key := range s.order {
		edge := s.edges[key]
		cp := *edge
		cp.Log = append([]types.Evidence(nil), edge.Log...)
		out = append(out, cp)
	}
	return out
}

// FlaggedEdges returns the keys of edges whose evidence variance crossed the
// clarification threshold, sorted for stable output.
func (s *Store) FlaggedEdges() []types.EdgeKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.EdgeKey
	for _, key := range s.order {
		if s.edges[key].NeedsClarification {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// =============================================================================
// AGGREGATION - pure functions over an evidence log
// =============================================================================

// TierWeight returns the aggregation weight for an evidence tier:
// w(t) = base^(t-1), so tiers 1..5 carry weights 1, 3, 9, 27, 81 at base 3.
func TierWeight(tier int, scoring catalog.Scoring) float64 {
	return math.Pow(scoring.TierBase, float64(tier-1))
}

// Aggregate computes the derived score for an evidence log.
//
// The weighted average rating WAR = sum(rating*w)/sum(w) is regressed toward
// the global prior mean with pseudo-count C:
//
//	final      = (W/(W+C))*WAR + (C/(W+C))*prior
//	confidence = W/(W+C)
//
// Sparse or low-tier evidence stays near the prior with low confidence;
// abundant high-tier evidence converges to WAR with high confidence.
func Aggregate(log []types.Evidence, scoring catalog.Scoring) types.EdgeScore {
	if len(log) == 0 {
		return types.EdgeScore{Score: scoring.PriorMean, Confidence: 0}
	}

	var totalWeight, weightedSum float64
	for _, ev := range log {
		w := TierWeight(ev.Tier, scoring)
		totalWeight += w
		weightedSum += ev.Rating * w
	}

	war := weightedSum / totalWeight
	shrink := totalWeight / (totalWeight + scoring.PseudoCount)

	return types.EdgeScore{
		Score:      shrink*war + (1-shrink)*scoring.PriorMean,
		Confidence: shrink,
	}
}

// WeightedVariance computes the tier-weighted variance of the ratings in a
// log. High variance indicates contradictory evidence that the consuming
// layer should surface for clarification rather than resolve silently.
func WeightedVariance(log []types.Evidence, scoring catalog.Scoring) float64 {
	if len(log) < 2 {
		return 0
	}

	var totalWeight, weightedSum float64
	for _, ev := range log {
		w := TierWeight(ev.Tier, scoring)
		totalWeight += w
		weightedSum += ev.Rating * w
	}
	mean := weightedSum / totalWeight

	var variance float64
	for _, ev := range log {
		w := TierWeight(ev.Tier, scoring)
		d := ev.Rating - mean
		variance += w * d * d
	}
	return variance / totalWeight
}
