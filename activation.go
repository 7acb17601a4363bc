package lef

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InferenceContext is the caller-supplied situation an ActivationManager
// evaluates extensions against (§4.6.6).
type InferenceContext struct {
	Text     string
	Speaker  string
	Language string
	Time     time.Time
	Custom   map[string]string
}

// TransitionCurve enumerates how a weight ramps between its start and
// target value over a transition's duration.
type TransitionCurve uint8

const (
	CurveLinear TransitionCurve = iota
	CurveEaseIn
	CurveEaseOut
)

// TransitionState tracks one extension's in-flight weight ramp.
type TransitionState struct {
	ExtensionID uint32
	StartWeight float32
	TargetWeight float32
	Curve       TransitionCurve
	StartedAt   time.Time
	Duration    time.Duration
}

// CurrentWeight evaluates the transition at now, clamping to
// TargetWeight once Duration has elapsed.
func (t *TransitionState) CurrentWeight(now time.Time) float32 {
	elapsed := now.Sub(t.StartedAt)
	if elapsed <= 0 {
		return t.StartWeight
	}
	if elapsed >= t.Duration {
		return t.TargetWeight
	}
	frac := float32(elapsed) / float32(t.Duration)
	switch t.Curve {
	case CurveEaseIn:
		frac = frac * frac
	case CurveEaseOut:
		frac = 1 - (1-frac)*(1-frac)
	}
	return t.StartWeight + (t.TargetWeight-t.StartWeight)*frac
}

// Done reports whether the transition has reached its target.
func (t *TransitionState) Done(now time.Time) bool {
	return now.Sub(t.StartedAt) >= t.Duration
}

// ActivationResult is one extension's outcome from EvaluateAll.
type ActivationResult struct {
	ExtensionID uint32
	Weight      float32 // activation_weight
	BlendWeight float32
	Confidence  float32 // average match score across all of the extension's rules
	Active      bool
	MatchedRule uint32 // the first matching rule's ID, in registration order
}

// registeredExtension bundles an extension with its activation rules.
// In-flight transitions are tracked separately in
// ActivationManager.transitions.
type registeredExtension struct {
	ext   *ExtensionModel
	rules []ActivationRule
}

// ActivationManager evaluates registered extensions' rules against an
// InferenceContext, smooths weight changes across calls, and enforces
// a performance budget (§4.6.6).
type ActivationManager struct {
	registry    map[uint32]*registeredExtension
	transitions map[uint32]*TransitionState
	budget      float32 // max total performance_impact, 0 = unlimited
}

// NewActivationManager creates an empty manager. A zero budget means
// no performance-budget enforcement.
func NewActivationManager(budget float32) *ActivationManager {
	return &ActivationManager{
		registry:    make(map[uint32]*registeredExtension),
		transitions: make(map[uint32]*TransitionState),
		budget:      budget,
	}
}

// Register adds ext with its activation rules to the manager.
func (m *ActivationManager) Register(ext *ExtensionModel, rules []ActivationRule) {
	m.registry[ext.Header.ExtensionID] = &registeredExtension{ext: ext, rules: rules}
}

// Unregister drops an extension and any in-flight transition for it.
func (m *ActivationManager) Unregister(extensionID uint32) {
	delete(m.registry, extensionID)
	delete(m.transitions, extensionID)
}

// matchRule evaluates a single rule against ctx (the condition/operator
// table §4.6.6 documents).
func matchRule(rule ActivationRule, ctx InferenceContext) bool {
	var subject string
	switch rule.ConditionType {
	case ConditionText:
		subject = ctx.Text
	case ConditionSpeaker:
		subject = ctx.Speaker
	case ConditionLanguage:
		subject = ctx.Language
	case ConditionTime:
		subject = strconv.FormatInt(ctx.Time.Unix(), 10)
	case ConditionCustom:
		subject = ctx.Custom[rule.ConditionValue]
		// CUSTOM's ConditionValue names the key to look up; the actual
		// match value travels in a "key=value" encoding for EQ/CONTAINS.
		if idx := strings.IndexByte(rule.ConditionValue, '='); idx >= 0 {
			key := rule.ConditionValue[:idx]
			want := rule.ConditionValue[idx+1:]
			return matchOperator(rule.Operator, ctx.Custom[key], want)
		}
	}
	return matchOperator(rule.Operator, subject, rule.ConditionValue)
}

func matchOperator(op ConditionOperator, subject, value string) bool {
	switch op {
	case OpEQ:
		return subject == value
	case OpContains:
		return strings.Contains(subject, value)
	case OpRange:
		return matchRange(subject, value)
	case OpRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return false
		}
		return re.MatchString(subject)
	}
	return false
}

// matchRange parses value as "lo,hi" and subject as a float, per
// §4.6.6's RANGE operator (used for the TIME condition's unix seconds).
func matchRange(subject, value string) bool {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return false
	}
	lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	v, err3 := strconv.ParseFloat(strings.TrimSpace(subject), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	return v >= lo && v <= hi
}

// evaluateExtension produces reg's ActivationResult fields for ctx
// (§4.6.6). It distinguishes three cases:
//
//   - Unconditional (no rules gate it): always active, full weight.
//   - Conditional with no rules registered: never active.
//   - Conditional with rules: active if any rule matches, with
//     activation_weight/blend_weight the weighted average of every
//     matching rule's ActivationWeight (not just the single best
//     match), matched_rule_id the first matching rule in registration
//     order, and confidence the average match score across every rule.
func evaluateExtension(reg *registeredExtension, ctx InferenceContext) ActivationResult {
	if reg.ext.unconditional() {
		return ActivationResult{Active: true, Weight: 1, BlendWeight: 1, Confidence: 1}
	}
	if len(reg.rules) == 0 {
		return ActivationResult{}
	}

	var weightSum float32
	var matchCount int
	var matchedRuleID uint32
	var matchedFirst bool
	var scoreSum float32

	for _, rule := range reg.rules {
		if matchRule(rule, ctx) {
			weightSum += rule.ActivationWeight
			matchCount++
			scoreSum++
			if !matchedFirst {
				matchedRuleID = rule.RuleID
				matchedFirst = true
			}
		}
	}
	if matchCount == 0 {
		return ActivationResult{}
	}

	weight := weightSum / float32(matchCount)
	confidence := scoreSum / float32(len(reg.rules))
	return ActivationResult{
		Active:      true,
		Weight:      weight,
		BlendWeight: weight,
		Confidence:  confidence,
		MatchedRule: matchedRuleID,
	}
}

// EvaluateAll matches every registered extension's rules against ctx
// and returns one ActivationResult per extension, in no particular
// order.
func (m *ActivationManager) EvaluateAll(ctx InferenceContext) []ActivationResult {
	start := time.Now()
	results := make([]ActivationResult, 0, len(m.registry))
	for id, reg := range m.registry {
		result := evaluateExtension(reg, ctx)
		result.ExtensionID = id
		results = append(results, result)
	}
	globalActivationMetrics.evalDuration.Observe(time.Since(start).Seconds())
	return m.optimizeActivations(results)
}

// StartTransition begins smoothing extensionID's weight from its
// current transition value (or 0 if none is in flight) to target over
// duration, using curve.
func (m *ActivationManager) StartTransition(extensionID uint32, target float32, duration time.Duration, curve TransitionCurve, now time.Time) {
	start := float32(0)
	if t, ok := m.transitions[extensionID]; ok {
		start = t.CurrentWeight(now)
	}
	m.transitions[extensionID] = &TransitionState{
		ExtensionID:  extensionID,
		StartWeight:  start,
		TargetWeight: target,
		Curve:        curve,
		StartedAt:    now,
		Duration:     duration,
	}
}

// UpdateTransitions applies every in-flight transition's current
// weight onto results and prunes transitions that have completed.
func (m *ActivationManager) UpdateTransitions(results []ActivationResult, now time.Time) []ActivationResult {
	for i := range results {
		t, ok := m.transitions[results[i].ExtensionID]
		if !ok {
			continue
		}
		results[i].Weight = t.CurrentWeight(now)
		if t.Done(now) {
			delete(m.transitions, results[i].ExtensionID)
		}
	}
	return results
}

// optimizeActivations enforces the manager's performance budget by
// dropping the lowest quality-per-cost extensions first when the sum
// of active extensions' performance_impact exceeds it (§4.6.6).
func (m *ActivationManager) optimizeActivations(results []ActivationResult) []ActivationResult {
	if m.budget <= 0 {
		return results
	}

	type scored struct {
		idx   int
		ratio float32 // quality / performance_impact, higher is better
		cost  float32
	}
	var active []scored
	var total float32
	for i, r := range results {
		if !r.Active {
			continue
		}
		reg := m.registry[r.ExtensionID]
		cost := reg.ext.Meta.PerformanceImpact
		quality := reg.ext.Meta.QualityScore
		ratio := quality
		if cost > 0 {
			ratio = quality / cost
		}
		active = append(active, scored{idx: i, ratio: ratio, cost: cost})
		total += cost
	}
	if total <= m.budget {
		return results
	}

	sort.Slice(active, func(a, b int) bool { return active[a].ratio > active[b].ratio })

	var kept float32
	for _, s := range active {
		if kept+s.cost <= m.budget {
			kept += s.cost
			continue
		}
		results[s.idx].Active = false
		results[s.idx].Weight = 0
		results[s.idx].BlendWeight = 0
	}
	return results
}
