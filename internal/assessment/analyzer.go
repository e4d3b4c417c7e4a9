// Package assessment derives weakest-link quality for assessed outputs.
// An output's quality is the minimum score among its direct input edges;
// every edge at that minimum is a bottleneck. Ties are intentionally
// surfaced, never broken. Multi-hop dependency chains are a consumer-level
// concern, not this analyzer's.
package assessment

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gapsense/internal/evidence"
	"gapsense/internal/logging"
	"gapsense/internal/types"
)

// ErrNoEdges is returned when an output has no scored input edges.
var ErrNoEdges = errors.New("output has no input edges")

// scoreEpsilon absorbs float noise when comparing edge scores for the
// minimum; scores within it are considered tied.
const scoreEpsilon = 1e-9

// Compute returns the weakest-link result for a set of scored edges.
// Bottlenecks preserve the input edge order.
func Compute(outputID string, edges []types.ScoredEdge) (types.OutputAssessment, error) {
	if len(edges) == 0 {
		return types.OutputAssessment{}, fmt.Errorf("%w: %s", ErrNoEdges, outputID)
	}

	quality := edges[0].Score
	for _, e := range edges[1:] {
		if e.Score < quality {
			quality = e.Score
		}
	}

	var bottlenecks []types.EdgeKey
	for _, e := range edges {
		if math.Abs(e.Score-quality) <= scoreEpsilon {
			bottlenecks = append(bottlenecks, e.Key)
		}
	}

	return types.OutputAssessment{
		OutputID:    outputID,
		Quality:     quality,
		Bottlenecks: bottlenecks,
	}, nil
}

// Analyzer resolves outputs against a live evidence store. Output->edge
// wiring is registered by the session/reporting layer.
type Analyzer struct {
	mu      sync.RWMutex
	store   *evidence.Store
	outputs map[string][]types.EdgeKey
	order   map[string]int
}

// NewAnalyzer creates an analyzer over the given evidence store.
func NewAnalyzer(store *evidence.Store) *Analyzer {
	return &Analyzer{
		store:   store,
		outputs: make(map[string][]types.EdgeKey),
		order:   make(map[string]int),
	}
}

// RegisterEdge adds an input edge to an output's direct inputs. Registering
// the same edge twice is a no-op.
func (a *Analyzer) RegisterEdge(outputID string, key types.EdgeKey) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.outputs[outputID] {
		if existing == key {
			return
		}
	}
	if _, ok := a.outputs[outputID]; !ok {
		a.order[outputID] = len(a.order)
	}
	a.outputs[outputID] = append(a.outputs[outputID], key)
	logging.EvidenceDebug("Registered edge %s for output %s", key, outputID)
}

// ComputeOutput gathers the output's current edge scores from the store and
// computes the weakest-link result. Edges without evidence are skipped; an
// output where no edge has evidence yet returns ErrNoEdges.
func (a *Analyzer) ComputeOutput(outputID string) (types.OutputAssessment, error) {
	a.mu.RLock()
	keys := append([]types.EdgeKey(nil), a.outputs[outputID]...)
	a.mu.RUnlock()

	scored := make([]types.ScoredEdge, 0, len(keys))
	for _, key := range keys {
		score, ok := a.store.GetScore(key)
		if !ok {
			continue
		}
		scored = append(scored, types.ScoredEdge{Key: key, Score: score.Score})
	}

	return Compute(outputID, scored)
}

// Outputs returns the registered output ids in registration order.
func (a *Analyzer) Outputs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, len(a.order))
	for id, idx := range a.order {
		out[idx] = id
	}
	return out
}
