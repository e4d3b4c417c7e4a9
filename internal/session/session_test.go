package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/detect"
	"gapsense/internal/store"
	"gapsense/internal/types"
)

func newTestManager(t *testing.T, persist bool) *Manager {
	t.Helper()
	cat := catalog.Default()
	if err := cat.Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}

	detector, err := detect.NewDetector(context.Background(), cat, nil, detect.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	var st *store.SessionStore
	if persist {
		st, err = store.Open(filepath.Join(t.TempDir(), "sessions.db"))
		if err != nil {
			t.Fatalf("store.Open: %v", err)
		}
		t.Cleanup(func() { st.Close() })
	}

	return NewManager(cat, detector, st)
}

func edge(source, output string) types.EdgeKey {
	return types.EdgeKey{Source: source, TargetOutput: output}
}

func TestProcessTurnBasic(t *testing.T) {
	m := newTestManager(t, false)
	s, err := m.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	d, err := m.ProcessTurn(context.Background(), s, types.TurnInput{
		SessionID: s.ID,
		Utterance: "I'm so frustrated, the deploy keeps failing",
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if len(d.ActiveTriggers) == 0 {
		t.Fatal("expected the frustration trigger to fire")
	}
	if d.Reactive == nil || d.Reactive.BehaviorID != "acknowledge_frustration" {
		t.Errorf("reactive = %+v, want acknowledge_frustration", d.Reactive)
	}
	if d.SessionID != s.ID {
		t.Errorf("SessionID = %q, want %q", d.SessionID, s.ID)
	}
	if s.Turns() != 1 {
		t.Errorf("Turns = %d, want 1", s.Turns())
	}
}

func TestProcessTurnObservationsFeedAssessment(t *testing.T) {
	m := newTestManager(t, false)
	s, err := m.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	input := types.TurnInput{
		SessionID: s.ID,
		Utterance: "we talked about the deploy pipeline",
		Observations: []types.EvidenceObservation{
			{Edge: edge("ci_config", "deploy_pipeline"), Statement: "maintains the CI config", Tier: 4, Rating: 4},
			{Edge: edge("rollback_drill", "deploy_pipeline"), Statement: "says they could probably roll back", Tier: 1, Rating: 2},
		},
	}
	if _, err := m.ProcessTurn(context.Background(), s, input); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	a, err := s.Assess("deploy_pipeline")
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if len(a.Bottlenecks) != 1 || a.Bottlenecks[0] != edge("rollback_drill", "deploy_pipeline") {
		t.Errorf("bottlenecks = %+v, want the weak rollback edge", a.Bottlenecks)
	}
	if len(s.Edges()) != 2 {
		t.Errorf("Edges = %d, want 2", len(s.Edges()))
	}
}

func TestProcessTurnInvalidObservationRejected(t *testing.T) {
	m := newTestManager(t, false)
	s, err := m.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	_, err = m.ProcessTurn(context.Background(), s, types.TurnInput{
		Utterance: "noted",
		Observations: []types.EvidenceObservation{
			{Edge: edge("x", "y"), Statement: "bad tier", Tier: 9, Rating: 3},
		},
	})
	if err == nil {
		t.Fatal("expected error for out-of-range tier")
	}
}

func TestContradictionDerivesDimension(t *testing.T) {
	m := newTestManager(t, false)
	s, err := m.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Strongly conflicting ratings on one edge push variance past the
	// threshold and flag the edge.
	input := types.TurnInput{
		Utterance: "mixed signals about incident response",
		Observations: []types.EvidenceObservation{
			{Edge: edge("oncall", "incident_response"), Statement: "ran the last sev1 solo", Tier: 4, Rating: 5},
			{Edge: edge("oncall", "incident_response"), Statement: "teammate says they froze during it", Tier: 4, Rating: 1},
		},
	}
	if _, err := m.ProcessTurn(context.Background(), s, input); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	// The flag persists into subsequent turns until resolved.
	d, err := m.ProcessTurn(context.Background(), s, types.TurnInput{Utterance: "go on"})
	if err != nil {
		t.Fatalf("second ProcessTurn: %v", err)
	}

	dim, ok := s.Knowledge().Get("contradiction_pending")
	if !ok {
		t.Fatal("contradiction_pending not registered")
	}
	if dim.Value != "true" || dim.Confidence != 1.0 {
		t.Errorf("contradiction_pending = %q/%f, want true/1.0", dim.Value, dim.Confidence)
	}
	if len(d.SupportingReferences) == 0 {
		t.Error("directive should reference the contested edge")
	}
}

func TestDimensionUpdatesFlowToSelection(t *testing.T) {
	m := newTestManager(t, false)
	s, err := m.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Confirmed high coverage opens the summarize_findings gate.
	input := types.TurnInput{
		Utterance: "where do we stand overall?",
		Updates: []types.DimensionUpdate{
			{DimensionID: "assessment_coverage", Value: "0.8", Confidence: 1.0, Source: types.SourceConfirmed, UpdatedBy: "planner"},
			{DimensionID: "assessment_focus", Value: "0.6", Confidence: 1.0, Source: types.SourceConfirmed, UpdatedBy: "planner"},
		},
	}
	d, err := m.ProcessTurn(context.Background(), s, input)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	found := false
	for _, p := range d.Proactive {
		if p.BehaviorID == "summarize_findings" {
			found = true
		}
	}
	if !found {
		t.Errorf("summarize_findings not selected with coverage=0.8: %+v", d.Proactive)
	}
}

func TestResumeReplaysHistory(t *testing.T) {
	cat := catalog.Default()
	detector, err := detect.NewDetector(context.Background(), cat, nil, detect.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	m1 := NewManager(cat, detector, st)
	s1, err := m1.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	input := types.TurnInput{
		Utterance: "let's cover deploys",
		Observations: []types.EvidenceObservation{
			{Edge: edge("ci_config", "deploy_pipeline"), Statement: "maintains the CI config", Tier: 4, Rating: 4},
		},
		Updates: []types.DimensionUpdate{
			{DimensionID: "engagement", Value: "0.9", Confidence: 1.0, Source: types.SourceConfirmed, UpdatedBy: "planner", Timestamp: time.Now()},
		},
	}
	if _, err := m1.ProcessTurn(context.Background(), s1, input); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	edgesBefore := s1.Edges()
	if len(edgesBefore) != 1 {
		t.Fatal("no edges after first turn")
	}
	wantScore := edgesBefore[0]

	// Fresh manager over the same store simulates a restart.
	m2 := NewManager(cat, detector, st)
	s2, err := m2.Resume(s1.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	edges := s2.Edges()
	if len(edges) != 1 {
		t.Fatalf("resumed session has %d edges, want 1", len(edges))
	}
	if edges[0].Derived != wantScore.Derived {
		t.Errorf("resumed score = %+v, want %+v (pure replay)", edges[0].Derived, wantScore.Derived)
	}

	dim, ok := s2.Knowledge().Get("engagement")
	if !ok || dim.Value != "0.9" || dim.Confidence != 1.0 {
		t.Errorf("resumed engagement = %+v, want confirmed 0.9", dim)
	}

	if _, err := s2.Assess("deploy_pipeline"); err != nil {
		t.Errorf("Assess after resume: %v", err)
	}
}

func TestResumeUnknownSessionEmpty(t *testing.T) {
	m := newTestManager(t, true)

	s, err := m.Resume("never-seen")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(s.Edges()) != 0 || s.Turns() != 0 {
		t.Errorf("unknown session should resume empty, got %d edges", len(s.Edges()))
	}
}
