package detect

import (
	"context"
	"strings"
	"testing"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/embedding"
	"gapsense/internal/knowledge"
	"gapsense/internal/types"
)

// stubEngine returns canned vectors keyed by text, so semantic similarity is
// fully deterministic in tests.
type stubEngine struct {
	vectors map[string][]float32
	// embedDelay makes Embed block, for timeout degradation tests.
	embedDelay time.Duration
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedDelay > 0 {
		select {
		case <-time.After(s.embedDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return 3 }
func (s *stubEngine) Name() string    { return "stub" }

func newTestState(t *testing.T, cat *catalog.Catalog) *knowledge.State {
	t.Helper()
	return knowledge.NewState(cat.Dimensions, cat.Scoring)
}

func mustDetector(t *testing.T, cat *catalog.Catalog, engine *stubEngine) *Detector {
	t.Helper()
	var e embedding.Engine
	if engine != nil {
		e = engine
	}
	d, err := NewDetector(context.Background(), cat, e, DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

func findActivation(acts []types.ActivatedTrigger, id string) (types.ActivatedTrigger, bool) {
	for _, a := range acts {
		if a.TriggerID == id {
			return a, true
		}
	}
	return types.ActivatedTrigger{}, false
}

func TestDetectRegex(t *testing.T) {
	cat := catalog.Default()
	d := mustDetector(t, cat, nil)
	snap := newTestState(t, cat).Snapshot()

	tests := []struct {
		name      string
		utterance string
		want      []string
		wantNot   []string
	}{
		{
			name:      "frustration",
			utterance: "I'm getting really frustrated with this deploy",
			want:      []string{"frustration"},
			wantNot:   []string{"confusion", "urgency"},
		},
		{
			name:      "confusion",
			utterance: "I don't understand what this error means",
			want:      []string{"confusion"},
		},
		{
			name:      "multiple triggers forwarded",
			utterance: "This is urgent and I'm so confused",
			want:      []string{"urgency", "confusion"},
		},
		{
			name:      "no match",
			utterance: "The build finished and everything looks fine",
			wantNot:   []string{"frustration", "confusion", "urgency"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acts := d.Detect(context.Background(), tt.utterance, snap)
			for _, id := range tt.want {
				if _, ok := findActivation(acts, id); !ok {
					t.Errorf("expected trigger %q to fire, got %+v", id, acts)
				}
			}
			for _, id := range tt.wantNot {
				if _, ok := findActivation(acts, id); ok {
					t.Errorf("trigger %q should not have fired", id)
				}
			}
		})
	}
}

func TestIntensityEscalatesOneTier(t *testing.T) {
	cat := catalog.Default()
	d := mustDetector(t, cat, nil)
	snap := newTestState(t, cat).Snapshot()

	// Confusion is medium; profanity in the same utterance raises it to high.
	acts := d.Detect(context.Background(), "what the hell does this error even mean, I'm so confused", snap)

	a, ok := findActivation(acts, "confusion")
	if !ok {
		t.Fatalf("confusion did not fire: %+v", acts)
	}
	if a.Priority != types.PriorityHigh {
		t.Errorf("priority = %s, want high (one tier up from medium)", a.Priority)
	}
	if !a.Intensified {
		t.Error("Intensified flag not set")
	}
	if _, ok := findActivation(acts, "profanity"); ok {
		t.Error("intensity trigger must not surface as its own activation alongside a base trigger")
	}
}

func TestIntensityCapsAtCritical(t *testing.T) {
	cat := catalog.Default()
	d := mustDetector(t, cat, nil)
	snap := newTestState(t, cat).Snapshot()

	// Frustration is already high; escalation lands on critical and stops.
	acts := d.Detect(context.Background(), "damn it, I am fed up with this damn thing", snap)

	a, ok := findActivation(acts, "frustration")
	if !ok {
		t.Fatalf("frustration did not fire: %+v", acts)
	}
	if a.Priority != types.PriorityCritical {
		t.Errorf("priority = %s, want critical", a.Priority)
	}

	// Escalation is exactly one tier even with repeated intensity matches.
	if a.Priority.Escalate() != types.PriorityCritical {
		t.Errorf("Escalate beyond critical = %s, want critical", a.Priority.Escalate())
	}
}

func TestIntensityAloneFallsBack(t *testing.T) {
	cat := catalog.Default()
	d := mustDetector(t, cat, nil)
	snap := newTestState(t, cat).Snapshot()

	acts := d.Detect(context.Background(), "well, damn", snap)

	if len(acts) != 1 {
		t.Fatalf("got %d activations, want exactly the fallback: %+v", len(acts), acts)
	}
	a := acts[0]
	if a.TriggerID != "undirected_expression" {
		t.Errorf("TriggerID = %q, want undirected_expression", a.TriggerID)
	}
	if a.Priority != types.PriorityLow {
		t.Errorf("priority = %s, want low", a.Priority)
	}
	if !a.Intensified {
		t.Error("fallback activation should carry the Intensified flag")
	}
}

func TestSemanticMatch(t *testing.T) {
	cat := catalog.Default()

	var sig types.Trigger
	for _, tr := range cat.Triggers {
		if tr.ID == "assessment_signal" {
			sig = tr
		}
	}
	if len(sig.Detection.Phrases) == 0 {
		t.Fatal("assessment_signal has no reference phrases")
	}

	utterance := "can you tell me where my weak spots are"
	engine := &stubEngine{vectors: map[string][]float32{
		// Identical vectors give similarity 1.0 against the first phrase.
		sig.Detection.Phrases[0]: {1, 0, 0},
		utterance:                {1, 0, 0},
	}}

	d := mustDetector(t, cat, engine)
	snap := newTestState(t, cat).Snapshot()

	acts := d.Detect(context.Background(), utterance, snap)
	a, ok := findActivation(acts, "assessment_signal")
	if !ok {
		t.Fatalf("assessment_signal did not fire: %+v", acts)
	}
	if a.Method != types.MethodSemantic {
		t.Errorf("Method = %s, want semantic", a.Method)
	}
	if a.Similarity < 0.99 {
		t.Errorf("Similarity = %f, want ~1.0", a.Similarity)
	}
	if !strings.EqualFold(a.Matched, sig.Detection.Phrases[0]) {
		t.Errorf("Matched = %q, want the best reference phrase %q", a.Matched, sig.Detection.Phrases[0])
	}
}

func TestSemanticTimeoutDegrades(t *testing.T) {
	cat := catalog.Default()
	engine := &stubEngine{
		vectors:    map[string][]float32{},
		embedDelay: 5 * time.Second,
	}

	cfg := DefaultConfig()
	cfg.SemanticTimeout = 20 * time.Millisecond

	// Phrase cache warming must stay fast: disable the delay during
	// construction, then enable it for the per-turn Embed call.
	engine.embedDelay = 0
	d, err := NewDetector(context.Background(), cat, engine, cfg)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	engine.embedDelay = 5 * time.Second

	snap := newTestState(t, cat).Snapshot()

	start := time.Now()
	acts := d.Detect(context.Background(), "this deadline is urgent", snap)
	elapsed := time.Since(start)

	// Regex results survive the semantic failure.
	if _, ok := findActivation(acts, "urgency"); !ok {
		t.Fatalf("regex detection lost during semantic degradation: %+v", acts)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Detect blocked for %v despite %v semantic timeout", elapsed, cfg.SemanticTimeout)
	}
}

func TestStateTrigger(t *testing.T) {
	cat := catalog.Default()
	d := mustDetector(t, cat, nil)
	st := newTestState(t, cat)

	// Unknown engagement: the stalled_conversation conditions require a
	// known value, so nothing fires.
	acts := d.Detect(context.Background(), "okay", st.Snapshot())
	if _, ok := findActivation(acts, "stalled_conversation"); ok {
		t.Error("stalled_conversation fired with unknown engagement")
	}

	if err := st.Update("engagement", "0.1", 1.0, types.SourceConfirmed, "test", time.Now()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	acts = d.Detect(context.Background(), "okay", st.Snapshot())
	a, ok := findActivation(acts, "stalled_conversation")
	if !ok {
		t.Fatalf("stalled_conversation did not fire with engagement=0.1: %+v", acts)
	}
	if a.Method != types.MethodState {
		t.Errorf("Method = %s, want state", a.Method)
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	cat := catalog.Default()
	cat.Triggers = append(cat.Triggers, types.Trigger{
		ID:       "broken",
		Category: "broken",
		Priority: types.PriorityLow,
		Detection: types.DetectionSpec{
			Method:   types.MethodRegex,
			Patterns: []string{`([unclosed`},
		},
	})

	if _, err := NewDetector(context.Background(), cat, nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
