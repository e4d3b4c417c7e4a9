// Package detect implements trigger detection over incoming utterances.
//
// Pipeline per turn:
//
//	Utterance + KnowledgeState snapshot
//	     |
//	1. keyword/regex scan over the base trigger catalog
//	2. semantic scan against cached category embeddings (timeout-bounded;
//	   degrades to the regex results on failure)
//	3. state scan: triggers conditioned on the knowledge snapshot
//	4. intensity pass: amplifying signals escalate whichever base triggers
//	   fired in the same utterance, or fall back to a low-priority
//	   undirected-expression trigger when nothing else fired
//
// Multiple triggers may activate per turn; all are forwarded.
package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/embedding"
	"gapsense/internal/knowledge"
	"gapsense/internal/logging"
	"gapsense/internal/types"

	"golang.org/x/sync/errgroup"
)

// Config holds detector tuning.
type Config struct {
	// SimilarityThreshold is the default semantic threshold for triggers
	// that do not declare their own.
	SimilarityThreshold float64

	// SemanticTimeout bounds the embedding lookup per turn.
	SemanticTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.62,
		SemanticTimeout:     3 * time.Second,
	}
}

// compiledTrigger pairs a catalog trigger with its compiled patterns.
type compiledTrigger struct {
	trigger  types.Trigger
	patterns []*regexp.Regexp
	keywords []string // lowercased
}

// Detector scans utterances and knowledge snapshots for configured triggers.
// The trigger catalog is loaded once at construction and immutable after.
type Detector struct {
	mu        sync.RWMutex
	base      []compiledTrigger
	intensity []compiledTrigger
	byID      map[string]types.Trigger

	engine embedding.Engine
	// phraseVecs caches the embedding of every semantic reference phrase,
	// keyed by trigger id, computed once at construction.
	phraseVecs map[string][][]float32

	cfg Config
}

// NewDetector compiles the trigger catalog and, when an embedding engine is
// available, caches the reference phrase embeddings. A nil engine disables the
// semantic pass; detection then runs keyword/regex and state scans only.
func NewDetector(ctx context.Context, cat *catalog.Catalog, engine embedding.Engine, cfg Config) (*Detector, error) {
	timer := logging.StartTimer(logging.CategoryDetect, "NewDetector")
	defer timer.Stop()

	d := &Detector{
		byID:       make(map[string]types.Trigger),
		engine:     engine,
		phraseVecs: make(map[string][][]float32),
		cfg:        cfg,
	}

	for _, t := range cat.Triggers {
		ct := compiledTrigger{trigger: t}
		for _, p := range t.Detection.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("trigger %q: invalid pattern %q: %w", t.ID, p, err)
			}
			ct.patterns = append(ct.patterns, re)
		}
		for _, kw := range t.Detection.Keywords {
			ct.keywords = append(ct.keywords, strings.ToLower(kw))
		}

		d.byID[t.ID] = t
		if t.Intensity {
			d.intensity = append(d.intensity, ct)
		} else {
			d.base = append(d.base, ct)
		}
	}

	if engine != nil {
		if err := d.warmPhraseCache(ctx); err != nil {
			// Semantic matching is optional; regex detection still works.
			logging.DetectWarn("Failed to warm phrase embedding cache: %v (semantic matching disabled)", err)
			d.engine = nil
		}
	}

	logging.Detect("Detector initialized: %d base triggers, %d intensity triggers, semantic=%v",
		len(d.base), len(d.intensity), d.engine != nil)
	return d, nil
}

// warmPhraseCache embeds every semantic reference phrase once.
func (d *Detector) warmPhraseCache(ctx context.Context) error {
	for _, ct := range d.base {
		if ct.trigger.Detection.Method != types.MethodSemantic && len(ct.trigger.Detection.Phrases) == 0 {
			continue
		}
		if len(ct.trigger.Detection.Phrases) == 0 {
			continue
		}
		vecs, err := d.engine.EmbedBatch(ctx, ct.trigger.Detection.Phrases)
		if err != nil {
			return fmt.Errorf("embedding phrases for trigger %q: %w", ct.trigger.ID, err)
		}
		d.phraseVecs[ct.trigger.ID] = vecs
	}
	logging.DetectDebug("Phrase embedding cache warmed for %d triggers", len(d.phraseVecs))
	return nil
}

// Detect runs the full detection pipeline for one utterance.
func (d *Detector) Detect(ctx context.Context, utterance string, snap knowledge.Snapshot) []types.ActivatedTrigger {
	timer := logging.StartTimer(logging.CategoryDetect, "Detect")
	defer timer.Stop()

	d.mu.RLock()
	defer d.mu.RUnlock()

	var lexical, semantic []types.ActivatedTrigger

	// The lexical and semantic scans are independent; run them in parallel.
	// The semantic scan is the only one that can block on I/O.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lexical = d.scanLexical(utterance)
		return nil
	})

	g.Go(func() error {
		var err error
		semantic, err = d.scanSemantic(gctx, utterance)
		if err != nil {
			// Graceful degradation: keyword/regex results still stand.
			logging.DetectWarn("Semantic scan degraded to regex-only: %v", err)
		}
		return nil
	})

	_ = g.Wait()

	activated := mergeActivations(lexical, semantic)
	activated = append(activated, d.scanState(snap)...)

	activated = d.applyIntensity(utterance, activated)

	logging.DetectDebug("Detected %d triggers for utterance %q", len(activated), truncate(utterance, 80))
	return activated
}

// scanLexical runs the keyword/regex pass over base triggers.
func (d *Detector) scanLexical(utterance string) []types.ActivatedTrigger {
	lower := strings.ToLower(utterance)
	var out []types.ActivatedTrigger

	for _, ct := range d.base {
		if matched, what := ct.match(utterance, lower); matched {
			out = append(out, types.ActivatedTrigger{
				TriggerID: ct.trigger.ID,
				Category:  ct.trigger.Category,
				Priority:  ct.trigger.Priority,
				Method:    ct.trigger.Detection.Method,
				Matched:   what,
			})
		}
	}
	return out
}

// match checks a single compiled trigger's keywords and patterns.
func (ct compiledTrigger) match(utterance, lower string) (bool, string) {
	for _, kw := range ct.keywords {
		if strings.Contains(lower, kw) {
			return true, kw
		}
	}
	for _, re := range ct.patterns {
		if m := re.FindString(utterance); m != "" {
			return true, m
		}
	}
	return false, ""
}

// scanSemantic embeds the utterance and compares it against the cached
// reference phrase embeddings. The lookup is bounded by the configured
// timeout; any failure degrades detection rather than failing the turn.
func (d *Detector) scanSemantic(ctx context.Context, utterance string) ([]types.ActivatedTrigger, error) {
	if d.engine == nil || len(d.phraseVecs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.SemanticTimeout)
	defer cancel()

	queryVec, err := d.engine.Embed(ctx, utterance)
	if err != nil {
		return nil, fmt.Errorf("utterance embedding: %w", err)
	}

	var out []types.ActivatedTrigger
	for _, ct := range d.base {
		vecs, ok := d.phraseVecs[ct.trigger.ID]
		if !ok {
			continue
		}

		threshold := ct.trigger.Detection.Threshold
		if threshold == 0 {
			threshold = d.cfg.SimilarityThreshold
		}

		best := -1.0
		bestPhrase := ""
		for i, vec := range vecs {
			sim, err := embedding.CosineSimilarity(queryVec, vec)
			if err != nil {
				continue
			}
			if sim > best {
				best = sim
				bestPhrase = ct.trigger.Detection.Phrases[i]
			}
		}

		if best >= threshold {
			out = append(out, types.ActivatedTrigger{
				TriggerID:  ct.trigger.ID,
				Category:   ct.trigger.Category,
				Priority:   ct.trigger.Priority,
				Method:     types.MethodSemantic,
				Matched:    bestPhrase,
				Similarity: best,
			})
		}
	}
	return out, nil
}

// scanState activates triggers whose snapshot conditions all hold.
func (d *Detector) scanState(snap knowledge.Snapshot) []types.ActivatedTrigger {
	var out []types.ActivatedTrigger
	for _, ct := range d.base {
		if ct.trigger.Detection.Method != types.MethodState {
			continue
		}
		if len(ct.trigger.Detection.Conditions) == 0 {
			continue
		}
		if snap.EvalAll(ct.trigger.Detection.Conditions) {
			out = append(out, types.ActivatedTrigger{
				TriggerID: ct.trigger.ID,
				Category:  ct.trigger.Category,
				Priority:  ct.trigger.Priority,
				Method:    types.MethodState,
			})
		}
	}
	return out
}

// mergeActivations deduplicates by trigger id, keeping the lexical hit when
// both passes fired (the semantic similarity is carried over onto it).
func mergeActivations(lexical, semantic []types.ActivatedTrigger) []types.ActivatedTrigger {
	out := append([]types.ActivatedTrigger(nil), lexical...)
	seen := make(map[string]int, len(out))
	for i, a := range out {
		seen[a.TriggerID] = i
	}

	for _, a := range semantic {
		if i, ok := seen[a.TriggerID]; ok {
			if out[i].Similarity < a.Similarity {
				out[i].Similarity = a.Similarity
			}
			continue
		}
		seen[a.TriggerID] = len(out)
		out = append(out, a)
	}
	return out
}

// applyIntensity runs the intensity-modifier pass. An intensity signal never
// produces a trigger alone while any base trigger fired in the same
// utterance; it raises each fired base trigger's priority by exactly one
// tier, capped at critical. With no base trigger at all it yields the
// configured fallback as a distinct low-priority activation.
func (d *Detector) applyIntensity(utterance string, base []types.ActivatedTrigger) []types.ActivatedTrigger {
	lower := strings.ToLower(utterance)

	var fired []compiledTrigger
	for _, ct := range d.intensity {
		if matched, _ := ct.match(utterance, lower); matched {
			fired = append(fired, ct)
		}
	}
	if len(fired) == 0 {
		return base
	}

	if len(base) > 0 {
		for i := range base {
			base[i].Priority = base[i].Priority.Escalate()
			base[i].Intensified = true
		}
		logging.DetectDebug("Intensity signal escalated %d base triggers", len(base))
		return base
	}

	// No base trigger fired: emit the fallback (undirected expression).
	fallback, ok := d.byID[fired[0].trigger.Fallback]
	if !ok {
		// Catalog validation guarantees the fallback exists; reaching this
		// means the detector was constructed from an unvalidated catalog.
		logging.DetectWarn("Intensity trigger %q has unresolved fallback %q", fired[0].trigger.ID, fired[0].trigger.Fallback)
		return base
	}

	return []types.ActivatedTrigger{{
		TriggerID:   fallback.ID,
		Category:    fallback.Category,
		Priority:    fallback.Priority,
		Method:      fired[0].trigger.Detection.Method,
		Intensified: true,
	}}
}

// Trigger resolves a catalog trigger by id.
func (d *Detector) Trigger(id string) (types.Trigger, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.byID[id]
	return t, ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
