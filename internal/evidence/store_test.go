package evidence

import (
	"math"
	"testing"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/types"
)

var testKey = types.EdgeKey{Source: "platform-team", TargetOutput: "release"}

func addOrFail(t *testing.T, s *Store, tier int, rating float64) {
	t.Helper()
	if _, err := s.AddEvidence(testKey, "statement", tier, rating, time.Now(), "conv-1"); err != nil {
		t.Fatalf("AddEvidence(tier=%d) failed: %v", tier, err)
	}
}

func TestAddEvidence_Validation(t *testing.T) {
	tests := []struct {
		name      string
		statement string
		tier      int
		wantErr   error
	}{
		{"TierTooLow", "ok", 0, ErrInvalidTier},
		{"TierTooHigh", "ok", 6, ErrInvalidTier},
		{"EmptyStatement", "", 3, ErrEmptyStatement},
		{"WhitespaceStatement", "   ", 3, ErrEmptyStatement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(catalog.DefaultScoring())
			_, err := s.AddEvidence(testKey, tt.statement, tt.tier, 3, time.Now(), "c")
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			// No partial mutation: edge must not exist after rejection.
			if _, ok := s.GetScore(testKey); ok {
				t.Errorf("rejected evidence mutated the store")
			}
		})
	}
}

func TestAggregate_TierWeights(t *testing.T) {
	scoring := catalog.DefaultScoring()
	want := []float64{1, 3, 9, 27, 81}
	for tier := 1; tier <= 5; tier++ {
		if got := TierWeight(tier, scoring); got != want[tier-1] {
			t.Errorf("TierWeight(%d) = %v, want %v", tier, got, want[tier-1])
		}
	}
}

func TestAggregate_ConfidenceFromIdenticalTier1(t *testing.T) {
	// N identical tier-1 entries (weight 1 each): confidence = N/(N+10).
	s := NewStore(catalog.DefaultScoring())
	for i := 0; i < 10; i++ {
		addOrFail(t, s, 1, 3)
	}
	score, ok := s.GetScore(testKey)
	if !ok {
		t.Fatal("edge missing")
	}
	if math.Abs(score.Confidence-0.5) > 1e-9 {
		t.Errorf("confidence for N=10 tier-1 entries = %v, want 0.5 exactly", score.Confidence)
	}
}

func TestAggregate_ReferenceExample(t *testing.T) {
	// Evidence [(tier=1,rating=5),(tier=4,rating=2)] -> weights [1,27]:
	// WAR = (5*1 + 2*27)/28 ~= 2.107; final ~= 2.081; confidence ~= 0.737.
	s := NewStore(catalog.DefaultScoring())
	addOrFail(t, s, 1, 5)
	addOrFail(t, s, 4, 2)

	score, _ := s.GetScore(testKey)
	if math.Abs(score.Score-2.081) > 0.01 {
		t.Errorf("final score = %v, want ~2.081", score.Score)
	}
	if math.Abs(score.Confidence-0.737) > 0.01 {
		t.Errorf("confidence = %v, want ~0.737", score.Confidence)
	}
}

func TestAggregate_ConfidenceMonotonicity(t *testing.T) {
	s := NewStore(catalog.DefaultScoring())
	var prev float64
	ratings := []struct {
		tier   int
		rating float64
	}{
		{1, 5}, {2, 1}, {5, 3}, {1, 2}, {3, 4}, {4, 1}, {1, 5},
	}
	for i, r := range ratings {
		addOrFail(t, s, r.tier, r.rating)
		score, _ := s.GetScore(testKey)
		if score.Confidence < prev {
			t.Fatalf("confidence decreased at append %d: %v -> %v", i, prev, score.Confidence)
		}
		prev = score.Confidence
	}
}

func TestAggregate_PureRecompute(t *testing.T) {
	s := NewStore(catalog.DefaultScoring())
	addOrFail(t, s, 2, 4)
	addOrFail(t, s, 3, 2)
	addOrFail(t, s, 5, 5)

	edge, _ := s.GetEdge(testKey)
	recomputed := Aggregate(edge.Log, catalog.DefaultScoring())
	if recomputed != edge.Derived {
		t.Errorf("recompute from log differs: %+v vs %+v", recomputed, edge.Derived)
	}
}

func TestAggregate_EmptyLogReturnsPrior(t *testing.T) {
	scoring := catalog.DefaultScoring()
	got := Aggregate(nil, scoring)
	if got.Score != scoring.PriorMean || got.Confidence != 0 {
		t.Errorf("empty log = %+v, want prior %.1f with zero confidence", got, scoring.PriorMean)
	}
}

func TestVarianceFlagging(t *testing.T) {
	s := NewStore(catalog.DefaultScoring())
	// Two strongly contradicting tier-5 statements: variance flag, no override.
	addOrFail(t, s, 5, 5)
	addOrFail(t, s, 5, 1)

	edge, _ := s.GetEdge(testKey)
	if !edge.NeedsClarification {
		t.Error("contradictory high-tier evidence should flag the edge for clarification")
	}

	flagged := s.FlaggedEdges()
	if len(flagged) != 1 || flagged[0] != testKey {
		t.Errorf("FlaggedEdges() = %v, want [%v]", flagged, testKey)
	}

	// Aggregation itself stays a pure weighted average: midpoint of 5 and 1
	// regressed toward the prior.
	if edge.Derived.Score >= 3 {
		t.Errorf("score %v should be pulled below 3 by the prior", edge.Derived.Score)
	}
}

func TestVariance_AgreementNotFlagged(t *testing.T) {
	s := NewStore(catalog.DefaultScoring())
	addOrFail(t, s, 3, 4)
	addOrFail(t, s, 4, 4)
	addOrFail(t, s, 2, 4)

	edge, _ := s.GetEdge(testKey)
	if edge.NeedsClarification {
		t.Error("agreeing evidence must not be flagged")
	}
}

func TestSeed_MatchesIncrementalAppend(t *testing.T) {
	scoring := catalog.DefaultScoring()
	incremental := NewStore(scoring)
	addOrFail(t, incremental, 1, 5)
	addOrFail(t, incremental, 4, 2)

	edge, _ := incremental.GetEdge(testKey)

	replayed := NewStore(scoring)
	replayed.Seed(testKey, edge.Log)

	got, _ := replayed.GetScore(testKey)
	want, _ := incremental.GetScore(testKey)
	if got != want {
		t.Errorf("seeded score %+v differs from incremental %+v", got, want)
	}
}
