// Package session orchestrates the per-turn reasoning pipeline and owns
// session lifecycle. A session binds one evidence store, one knowledge state,
// one bottleneck analyzer, the shared detector/selector/composer, and the
// persistence layer.
//
// Turn pipeline (strictly sequential, each stage reads the previous one's
// output):
//
//	apply observations -> analyzer registration -> apply updates ->
//	derive dimensions -> snapshot -> detect -> select -> compose -> persist
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gapsense/internal/assessment"
	"gapsense/internal/catalog"
	"gapsense/internal/compose"
	"gapsense/internal/detect"
	"gapsense/internal/evidence"
	"gapsense/internal/knowledge"
	"gapsense/internal/logging"
	"gapsense/internal/selection"
	"gapsense/internal/store"
	"gapsense/internal/types"

	"github.com/google/uuid"
)

// Session holds the mutable per-conversation state.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	evidence  *evidence.Store
	knowledge *knowledge.State
	analyzer  *assessment.Analyzer
	turns     int
}

// Manager creates, resumes, and runs sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cat      *catalog.Catalog
	detector *detect.Detector
	selector *selection.Selector
	composer *compose.Composer
	store    *store.SessionStore
}

// NewManager wires the shared pipeline stages. The store may be nil for
// ephemeral (unpersisted) operation.
func NewManager(cat *catalog.Catalog, detector *detect.Detector, st *store.SessionStore) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cat:      cat,
		detector: detector,
		selector: selection.NewSelector(cat),
		composer: compose.NewComposer(cat.Composition),
		store:    st,
	}
}

// NewSession creates a fresh session with a generated id.
func (m *Manager) NewSession() (*Session, error) {
	return m.newSession(uuid.NewString())
}

func (m *Manager) newSession(id string) (*Session, error) {
	s := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		evidence:  evidence.NewStore(m.cat.Scoring),
		knowledge: knowledge.NewState(m.cat.Dimensions, m.cat.Scoring),
	}
	s.analyzer = assessment.NewAnalyzer(s.evidence)

	if m.store != nil {
		if err := m.store.EnsureSession(s.ID, s.CreatedAt); err != nil {
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.Session("Session created: %s", s.ID)
	return s, nil
}

// Resume rebuilds a session from its persisted append-only history. Scores
// and confidences are recomputed by replay, never read back from disk.
func (m *Manager) Resume(id string) (*Session, error) {
	if m.store == nil {
		return nil, fmt.Errorf("no store configured, cannot resume session %s", id)
	}

	m.mu.RLock()
	if s, ok := m.sessions[id]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	timer := logging.StartTimer(logging.CategorySession, "Resume")
	defer timer.Stop()

	records, err := m.store.LoadEvidence(id)
	if err != nil {
		return nil, fmt.Errorf("load evidence for %s: %w", id, err)
	}
	updates, err := m.store.LoadUpdates(id)
	if err != nil {
		return nil, fmt.Errorf("load updates for %s: %w", id, err)
	}

	s, err := m.newSession(id)
	if err != nil {
		return nil, err
	}

	// Replay evidence grouped per edge, preserving insertion order.
	logs := make(map[types.EdgeKey][]types.Evidence)
	var order []types.EdgeKey
	for _, r := range records {
		if _, seen := logs[r.Key]; !seen {
			order = append(order, r.Key)
		}
		logs[r.Key] = append(logs[r.Key], r.Evidence)
	}
	for _, key := range order {
		s.evidence.Seed(key, logs[key])
		s.analyzer.RegisterEdge(key.TargetOutput, key)
	}

	for _, u := range updates {
		if err := s.knowledge.Update(u.DimensionID, u.Value, u.Confidence, u.Source, u.UpdatedBy, u.Timestamp); err != nil {
			logging.SessionDebug("Skipping stale dimension update %s during resume: %v", u.DimensionID, err)
		}
	}

	logging.Session("Session resumed: %s (%d evidence records, %d updates)", id, len(records), len(updates))
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ProcessTurn runs the full pipeline for one utterance and returns the
// composed directive.
func (m *Manager) ProcessTurn(ctx context.Context, s *Session, input types.TurnInput) (types.Directive, error) {
	timer := logging.StartTimer(logging.CategorySession, "ProcessTurn")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	// 1. Apply structured evidence observations.
	for _, obs := range input.Observations {
		ev, err := s.evidence.AddEvidence(obs.Edge, obs.Statement, obs.Tier, obs.Rating, ts, s.ID)
		if err != nil {
			return types.Directive{}, fmt.Errorf("evidence for edge %s: %w", obs.Edge.String(), err)
		}
		s.analyzer.RegisterEdge(obs.Edge.TargetOutput, obs.Edge)
		if m.store != nil {
			if err := m.store.AppendEvidence(s.ID, obs.Edge, ev); err != nil {
				return types.Directive{}, err
			}
		}
	}

	// 2. Apply externally supplied dimension updates.
	for _, u := range input.Updates {
		uts := u.Timestamp
		if uts.IsZero() {
			uts = ts
		}
		if err := s.knowledge.Update(u.DimensionID, u.Value, u.Confidence, u.Source, u.UpdatedBy, uts); err != nil {
			return types.Directive{}, fmt.Errorf("dimension update %s: %w", u.DimensionID, err)
		}
		if m.store != nil {
			u.Timestamp = uts
			if err := m.store.AppendUpdate(s.ID, u); err != nil {
				return types.Directive{}, err
			}
		}
	}

	// 3. Derive dimensions from the evidence store.
	if err := m.deriveDimensions(s, ts); err != nil {
		return types.Directive{}, err
	}

	// 4. Detection over the immutable snapshot.
	snap := s.knowledge.Snapshot()
	triggers := m.detector.Detect(ctx, input.Utterance, snap)

	// 5. Inferred updates from the triggers themselves, then re-snapshot so
	// selection sees them.
	for _, act := range triggers {
		t, ok := m.cat.Trigger(act.TriggerID)
		if !ok {
			continue
		}
		for dim, boost := range t.Boosts {
			if boost <= 0 {
				continue
			}
			val := fmt.Sprintf("%.2f", clamp01(boost))
			by := "trigger:" + act.TriggerID
			if err := s.knowledge.Update(dim, val, 0.5, types.SourceInferred, by, ts); err != nil {
				continue
			}
			if m.store != nil {
				_ = m.store.AppendUpdate(s.ID, types.DimensionUpdate{
					DimensionID: dim, Value: val, Confidence: 0.5,
					Source: types.SourceInferred, UpdatedBy: by, Timestamp: ts,
				})
			}
		}
	}
	snap = s.knowledge.Snapshot()

	// 6. Selection and composition.
	weights := m.selector.SituationWeights(snap, triggers, m.cat.Trigger)
	sel := m.selector.Select(snap, triggers, weights)
	directive := m.composer.Compose(s.ID, sel, triggers, s.evidence.FlaggedEdges())

	// 7. Persist the turn outcome.
	s.turns++
	if m.store != nil {
		if err := m.store.AppendDirective(directive); err != nil {
			logging.SessionDebug("Failed to persist directive for %s: %v", s.ID, err)
		}
		if err := m.store.IncrementTurnCount(s.ID); err != nil {
			logging.SessionDebug("Failed to bump turn count for %s: %v", s.ID, err)
		}
	}

	logging.Session("Turn %d processed for %s: %d triggers, reactive=%v, proactive=%d",
		s.turns, s.ID, len(triggers), directive.Reactive != nil, len(directive.Proactive))
	return directive, nil
}

// deriveDimensions updates knowledge dimensions computed from the evidence
// store rather than supplied externally: contradiction_pending reflects
// whether any edge currently carries high-variance evidence.
func (m *Manager) deriveDimensions(s *Session, ts time.Time) error {
	if _, ok := s.knowledge.Snapshot().Get("contradiction_pending"); !ok {
		return nil
	}

	pending := "false"
	if len(s.evidence.FlaggedEdges()) > 0 {
		pending = "true"
	}

	if err := s.knowledge.Update("contradiction_pending", pending, 1.0, types.SourceConfirmed, "evidence_store", ts); err != nil {
		return fmt.Errorf("derive contradiction_pending: %w", err)
	}
	if m.store != nil {
		_ = m.store.AppendUpdate(s.ID, types.DimensionUpdate{
			DimensionID: "contradiction_pending", Value: pending, Confidence: 1.0,
			Source: types.SourceConfirmed, UpdatedBy: "evidence_store", Timestamp: ts,
		})
	}
	return nil
}

// Assess computes the bottleneck assessment for one output.
func (s *Session) Assess(outputID string) (types.OutputAssessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzer.ComputeOutput(outputID)
}

// Outputs lists output ids with registered edges.
func (s *Session) Outputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzer.Outputs()
}

// Edges returns the session's capability edges with their current scores.
func (s *Session) Edges() []types.CapabilityEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidence.Edges()
}

// Score returns the derived score for one capability edge.
func (s *Session) Score(key types.EdgeKey) (types.EdgeScore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidence.GetScore(key)
}

// Knowledge returns an immutable snapshot of the session's dimension state.
func (s *Session) Knowledge() knowledge.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knowledge.Snapshot()
}

// Turns reports how many turns this session has processed.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
