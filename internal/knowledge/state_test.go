package knowledge

import (
	"testing"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/types"
)

func testSpecs() []types.DimensionSpec {
	return []types.DimensionSpec{
		{ID: "frustration_level", Type: types.DimensionNumeric},
		{ID: "contradiction_pending", Type: types.DimensionBoolean},
		{ID: "primary_domain", Type: types.DimensionCategorical},
	}
}

func TestNewState_Defaults(t *testing.T) {
	s := NewState(testSpecs(), catalog.DefaultScoring())
	snap := s.Snapshot()

	for _, spec := range testSpecs() {
		dim, ok := snap.Get(spec.ID)
		if !ok {
			t.Fatalf("dimension %s missing", spec.ID)
		}
		if dim.Value != types.ValueUnknown {
			t.Errorf("%s starts at %q, want %q", spec.ID, dim.Value, types.ValueUnknown)
		}
		if dim.Confidence != 0 {
			t.Errorf("%s starts with confidence %v, want 0", spec.ID, dim.Confidence)
		}
	}
}

func TestUpdate_InferredRegression(t *testing.T) {
	scoring := catalog.DefaultScoring()
	s := NewState(testSpecs(), scoring)

	// One inferred update at confidence 0.8: regressed to 0.8/(0.8+C).
	if err := s.Update("frustration_level", "0.7", 0.8, types.SourceInferred, "trigger:frustration", time.Now()); err != nil {
		t.Fatal(err)
	}
	dim, _ := s.Snapshot().Get("frustration_level")
	want := 0.8 / (0.8 + scoring.KnowledgePseudoCount)
	if dim.Confidence != want {
		t.Errorf("confidence = %v, want %v", dim.Confidence, want)
	}
	if dim.Value != "0.7" {
		t.Errorf("value = %q, want %q", dim.Value, "0.7")
	}

	// Repeated inferred updates keep regressed confidence strictly below 1.
	for i := 0; i < 50; i++ {
		_ = s.Update("frustration_level", "0.7", 0.9, types.SourceInferred, "trigger:frustration", time.Now())
	}
	dim, _ = s.Snapshot().Get("frustration_level")
	if dim.Confidence >= 1.0 {
		t.Errorf("inferred confidence reached %v, must stay below 1", dim.Confidence)
	}
}

func TestUpdate_ExplicitConfirmationBypassesRegression(t *testing.T) {
	s := NewState(testSpecs(), catalog.DefaultScoring())
	if err := s.Update("primary_domain", "payments", 0.5, types.SourceConfirmed, "user", time.Now()); err != nil {
		t.Fatal(err)
	}
	dim, _ := s.Snapshot().Get("primary_domain")
	if dim.Confidence != 1.0 {
		t.Errorf("confirmed confidence = %v, want 1.0", dim.Confidence)
	}
	if dim.Value != "payments" {
		t.Errorf("value = %q, want payments", dim.Value)
	}
}

func TestUpdate_UnregisteredDimension(t *testing.T) {
	s := NewState(testSpecs(), catalog.DefaultScoring())
	if err := s.Update("nope", "x", 1, types.SourceInferred, "t", time.Now()); err == nil {
		t.Error("updating an unregistered dimension must fail")
	}
}

func TestSnapshot_Immutable(t *testing.T) {
	s := NewState(testSpecs(), catalog.DefaultScoring())
	snap := s.Snapshot()

	_ = s.Update("frustration_level", "0.9", 0.9, types.SourceInferred, "t", time.Now())

	dim, _ := snap.Get("frustration_level")
	if dim.Value != types.ValueUnknown {
		t.Errorf("snapshot leaked a later update: %q", dim.Value)
	}
}

func TestReplay_MatchesIncremental(t *testing.T) {
	scoring := catalog.DefaultScoring()
	s := NewState(testSpecs(), scoring)

	updates := []struct {
		value  string
		conf   float64
		source types.UpdateSource
	}{
		{"0.3", 0.5, types.SourceInferred},
		{"0.6", 0.7, types.SourceInferred},
		{"0.8", 0, types.SourceConfirmed},
		{"0.5", 0.4, types.SourceInferred},
	}
	for _, u := range updates {
		if err := s.Update("frustration_level", u.value, u.conf, u.source, "t", time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	replayed := Replay(testSpecs()[0], s.History("frustration_level"), scoring)
	current, _ := s.Snapshot().Get("frustration_level")
	if replayed.Value != current.Value || replayed.Confidence != current.Confidence {
		t.Errorf("replay = %+v, incremental = %+v", replayed, current)
	}
}

func TestSnapshot_Eval(t *testing.T) {
	s := NewState(testSpecs(), catalog.DefaultScoring())
	_ = s.Update("frustration_level", "0.7", 0.9, types.SourceInferred, "t", time.Now())
	_ = s.Update("contradiction_pending", "true", 0, types.SourceConfirmed, "user", time.Now())
	snap := s.Snapshot()

	tests := []struct {
		name string
		pred types.Predicate
		want bool
	}{
		{"NumericGte", types.Predicate{Dimension: "frustration_level", Op: types.OpGte, Value: "0.5"}, true},
		{"NumericLt", types.Predicate{Dimension: "frustration_level", Op: types.OpLt, Value: "0.5"}, false},
		{"BooleanEq", types.Predicate{Dimension: "contradiction_pending", Op: types.OpEq, Value: "1"}, true},
		{"Known", types.Predicate{Dimension: "frustration_level", Op: types.OpKnown}, true},
		{"UnknownValueFalse", types.Predicate{Dimension: "primary_domain", Op: types.OpEq, Value: "payments"}, false},
		{"UnregisteredDimensionFalse", types.Predicate{Dimension: "missing", Op: types.OpEq, Value: "x"}, false},
		{"UnregisteredKnownFalse", types.Predicate{Dimension: "missing", Op: types.OpKnown}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snap.Eval(tt.pred); got != tt.want {
				t.Errorf("Eval(%+v) = %v, want %v", tt.pred, got, tt.want)
			}
		})
	}

	if !snap.EvalAll(nil) {
		t.Error("empty gate list must evaluate true")
	}
}
