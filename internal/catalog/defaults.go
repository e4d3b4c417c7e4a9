package catalog

import "gapsense/internal/types"

// Default returns the built-in catalog used when no catalog file is supplied.
// It covers the baseline assessment conversation: emotional triggers, an
// intensity modifier, coverage/bottleneck dimensions, and the stock response
// behaviors. Deployments normally replace this with an authored YAML catalog.
func Default() *Catalog {
	c := &Catalog{
		Triggers: []types.Trigger{
			{
				ID:       "frustration",
				Category: "frustration",
				Priority: types.PriorityHigh,
				Detection: types.DetectionSpec{
					Method:   types.MethodRegex,
					Patterns: []string{`(?i)\b(frustrat|annoy|fed up|sick of|wasting my time)`},
					Phrases: []string{
						"this is getting frustrating",
						"we keep going in circles",
						"nothing we try is working",
					},
				},
				Boosts: map[string]float64{"frustration_level": 0.6, "engagement": -0.2},
			},
			{
				ID:       "confusion",
				Category: "confusion",
				Priority: types.PriorityMedium,
				Detection: types.DetectionSpec{
					Method:   types.MethodRegex,
					Patterns: []string{`(?i)\b(confus|don'?t understand|what do you mean|unclear|lost me)`},
					Phrases: []string{
						"i don't follow what you are asking",
						"can you explain that differently",
					},
				},
				Boosts: map[string]float64{"confusion_level": 0.6},
			},
			{
				ID:       "urgency",
				Category: "urgency",
				Priority: types.PriorityHigh,
				Detection: types.DetectionSpec{
					Method:   types.MethodRegex,
					Patterns: []string{`(?i)\b(urgent|asap|deadline|right away|immediately)\b`},
				},
				Boosts: map[string]float64{"urgency": 0.7},
			},
			{
				ID:       "assessment_signal",
				Category: "assessment",
				Priority: types.PriorityMedium,
				Detection: types.DetectionSpec{
					Method: types.MethodSemantic,
					Phrases: []string{
						"our release process depends on a team that is understaffed",
						"the handoff between teams keeps breaking",
						"we never get reliable data from that system",
					},
				},
				Boosts: map[string]float64{"assessment_focus": 0.5},
			},
			{
				ID:       "undirected_expression",
				Category: "expression",
				Priority: types.PriorityLow,
				Detection: types.DetectionSpec{
					Method: types.MethodKeyword,
				},
				Boosts: map[string]float64{"frustration_level": 0.2},
			},
			{
				ID:        "profanity",
				Category:  "intensity",
				Priority:  types.PriorityLow,
				Intensity: true,
				Fallback:  "undirected_expression",
				Detection: types.DetectionSpec{
					Method:   types.MethodRegex,
					Patterns: []string{`(?i)\b(damn|dammit|hell|crap|bloody|wtf|bullshit)\b`},
				},
			},
			{
				ID:       "stalled_conversation",
				Category: "stall",
				Priority: types.PriorityMedium,
				Detection: types.DetectionSpec{
					Method: types.MethodState,
					Conditions: []types.Predicate{
						{Dimension: "engagement", Op: types.OpLt, Value: "0.3"},
						{Dimension: "engagement", Op: types.OpKnown},
					},
				},
				Boosts: map[string]float64{"engagement": -0.3},
			},
		},

		Behaviors: []types.Behavior{
			{
				ID:                "acknowledge_frustration",
				Intent:            "Acknowledge the user's frustration before continuing the assessment.",
				Reactive:          true,
				TriggerCategories: []string{"frustration", "expression"},
				Affinity:          map[string]float64{"frustration_level": 1.0, "engagement": 0.3},
				Excludes:          []string{"probe_bottleneck"},
				TokenCost:         90,
			},
			{
				ID:                "clarify_question",
				Intent:            "Restate the last question in simpler, concrete terms.",
				Reactive:          true,
				TriggerCategories: []string{"confusion"},
				Affinity:          map[string]float64{"confusion_level": 1.0},
				TokenCost:         110,
			},
			{
				ID:                "triage_urgent_topic",
				Intent:            "Switch to the topic the user flagged as urgent.",
				Reactive:          true,
				TriggerCategories: []string{"urgency"},
				Affinity:          map[string]float64{"urgency": 1.0},
				TokenCost:         100,
			},
			{
				ID:        "probe_bottleneck",
				Intent:    "Ask a targeted question about the weakest capability edge.",
				Affinity:  map[string]float64{"assessment_focus": 0.8, "assessment_coverage": -0.4},
				Gates:     []types.Predicate{{Dimension: "frustration_level", Op: types.OpLt, Value: "0.7"}},
				TokenCost: 140,
			},
			{
				ID:       "request_clarifying_evidence",
				Intent:   "Ask the user to resolve contradictory statements about an edge.",
				Affinity: map[string]float64{"assessment_focus": 0.6, "contradiction_pending": 1.2},
				Gates: []types.Predicate{
					{Dimension: "contradiction_pending", Op: types.OpEq, Value: "true"},
				},
				TokenCost: 130,
			},
			{
				ID:        "broaden_coverage",
				Intent:    "Open a new assessment area that has no evidence yet.",
				Affinity:  map[string]float64{"assessment_coverage": -0.8, "engagement": 0.4},
				Excludes:  []string{"summarize_findings"},
				TokenCost: 150,
			},
			{
				ID:       "summarize_findings",
				Intent:   "Summarize the current bottleneck picture back to the user.",
				Affinity: map[string]float64{"assessment_coverage": 0.9, "engagement": 0.2},
				Gates: []types.Predicate{
					{Dimension: "assessment_coverage", Op: types.OpGte, Value: "0.5"},
				},
				TokenCost: 180,
			},
			{
				ID:        "reengage_user",
				Intent:    "Ask an easier, open question to restart a stalled conversation.",
				Affinity:  map[string]float64{"engagement": -1.0},
				TokenCost: 100,
			},
		},

		Dimensions: []types.DimensionSpec{
			{ID: "frustration_level", Type: types.DimensionNumeric},
			{ID: "confusion_level", Type: types.DimensionNumeric},
			{ID: "urgency", Type: types.DimensionNumeric},
			{ID: "engagement", Type: types.DimensionNumeric},
			{ID: "assessment_focus", Type: types.DimensionNumeric},
			{ID: "assessment_coverage", Type: types.DimensionNumeric},
			{ID: "contradiction_pending", Type: types.DimensionBoolean},
			{ID: "primary_domain", Type: types.DimensionCategorical},
		},
	}

	c.applyDefaults()
	return c
}
