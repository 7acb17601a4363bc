package lef

import (
	"testing"
	"time"
)

func registerExtension(m *ActivationManager, id uint32, quality, perfImpact float32, rules []ActivationRule) {
	ext := &ExtensionModel{
		Header: LEFXHeader{ExtensionID: id},
		Meta:   ExtensionMeta{QualityScore: quality, PerformanceImpact: perfImpact},
	}
	m.Register(ext, rules)
}

func TestEvaluateAllMatchesTextContains(t *testing.T) {
	m := NewActivationManager(0)
	registerExtension(m, 1, 1.0, 0.1, []ActivationRule{
		{RuleID: 1, ConditionType: ConditionText, Operator: OpContains, ConditionValue: "excited", ActivationWeight: 0.9},
	})

	results := m.EvaluateAll(InferenceContext{Text: "I am so excited today!"})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Active || results[0].Weight != 0.9 {
		t.Fatalf("expected active match with weight 0.9, got %+v", results[0])
	}
}

func TestEvaluateAllAveragesAllMatchingRules(t *testing.T) {
	m := NewActivationManager(0)
	registerExtension(m, 1, 1.0, 0.1, []ActivationRule{
		{RuleID: 1, ConditionType: ConditionSpeaker, Operator: OpEQ, ConditionValue: "narrator", ActivationWeight: 0.2, Priority: 1},
		{RuleID: 2, ConditionType: ConditionSpeaker, Operator: OpEQ, ConditionValue: "narrator", ActivationWeight: 0.8, Priority: 10},
	})

	results := m.EvaluateAll(InferenceContext{Speaker: "narrator"})
	// Both rules match "narrator" regardless of Priority: activation_weight
	// is the average of every matching rule (0.2+0.8)/2, and matched_rule_id
	// is the first match in registration order, not the highest-priority one.
	if results[0].Weight != 0.5 || results[0].MatchedRule != 1 {
		t.Fatalf("expected averaged weight 0.5 and first-match rule 1, got %+v", results[0])
	}
	if results[0].Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0 when every rule matches, got %+v", results[0])
	}
}

func TestEvaluateAllUnconditionalExtensionAlwaysActivates(t *testing.T) {
	m := NewActivationManager(0)
	ext := &ExtensionModel{
		Header: LEFXHeader{ExtensionID: 1},
		Meta:   ExtensionMeta{QualityScore: 1.0, PerformanceImpact: 0.1},
		Layers: []LEFXLayerHeader{{ActivationCondition: ActivationAlways}},
	}
	m.Register(ext, nil)

	results := m.EvaluateAll(InferenceContext{})
	if !results[0].Active || results[0].Weight != 1 || results[0].BlendWeight != 1 || results[0].Confidence != 1 {
		t.Fatalf("expected unconditional extension fully active, got %+v", results[0])
	}
}

func TestEvaluateAllConditionalWithNoRulesNeverActivates(t *testing.T) {
	m := NewActivationManager(0)
	registerExtension(m, 1, 1.0, 0.1, nil)

	results := m.EvaluateAll(InferenceContext{})
	if results[0].Active || results[0].Weight != 0 || results[0].BlendWeight != 0 {
		t.Fatalf("expected conditional extension with no rules to stay inactive, got %+v", results[0])
	}
}

func TestEvaluateAllRangeOperatorOnTime(t *testing.T) {
	m := NewActivationManager(0)
	registerExtension(m, 1, 1.0, 0.1, []ActivationRule{
		{RuleID: 1, ConditionType: ConditionTime, Operator: OpRange, ConditionValue: "1000,2000", ActivationWeight: 1.0},
	})

	inWindow := InferenceContext{Time: time.Unix(1500, 0)}
	outOfWindow := InferenceContext{Time: time.Unix(5000, 0)}

	if r := m.EvaluateAll(inWindow); !r[0].Active {
		t.Fatalf("expected match inside range, got %+v", r[0])
	}
	if r := m.EvaluateAll(outOfWindow); r[0].Active {
		t.Fatalf("expected no match outside range, got %+v", r[0])
	}
}

func TestOptimizeActivationsEnforcesBudget(t *testing.T) {
	m := NewActivationManager(0.3)
	registerExtension(m, 1, 0.9, 0.2, []ActivationRule{{RuleID: 1, Operator: OpEQ, ConditionValue: "", ActivationWeight: 1.0}})
	registerExtension(m, 2, 0.5, 0.2, []ActivationRule{{RuleID: 2, Operator: OpEQ, ConditionValue: "", ActivationWeight: 1.0}})

	results := m.EvaluateAll(InferenceContext{})

	activeCount := 0
	for _, r := range results {
		if r.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly 1 extension to survive the 0.3 budget, got %d", activeCount)
	}
}

func TestStartTransitionRampsLinearly(t *testing.T) {
	m := NewActivationManager(0)
	now := time.Unix(1000, 0)
	m.StartTransition(1, 1.0, 10*time.Second, CurveLinear, now)

	mid := now.Add(5 * time.Second)
	w := m.transitions[1].CurrentWeight(mid)
	if w < 0.45 || w > 0.55 {
		t.Fatalf("expected ~0.5 at midpoint of linear ramp, got %f", w)
	}

	end := now.Add(11 * time.Second)
	if w := m.transitions[1].CurrentWeight(end); w != 1.0 {
		t.Fatalf("expected transition to clamp at target after duration, got %f", w)
	}
}

func TestUpdateTransitionsPrunesCompleted(t *testing.T) {
	m := NewActivationManager(0)
	now := time.Unix(1000, 0)
	m.StartTransition(1, 1.0, time.Second, CurveLinear, now)

	results := []ActivationResult{{ExtensionID: 1, Active: true}}
	m.UpdateTransitions(results, now.Add(2*time.Second))

	if _, ok := m.transitions[1]; ok {
		t.Fatalf("expected completed transition to be pruned")
	}
}
