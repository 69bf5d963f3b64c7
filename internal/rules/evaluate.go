// internal/rules/evaluate.go
package rules

import (
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Single-rule evaluation.
 *
 * Evaluates a CompiledRule against a decoded document with DNF semantics
 * (OR of AND groups). Implements short-circuit evaluation, sample rate
 * filtering and match diagnostics.
 *
 * Evaluation flow:
 *   1. Sample rate check (fast-path for 0.0/1.0, stable hash otherwise)
 *   2. OR groups evaluation (short-circuit on first match)
 *   3. AND conditions evaluation (short-circuit on first non-match, cost-ordered)
 *   4. Per-condition: resolve path -> coerce type -> compare operator
 *   5. Apply on_missing_field and on_coercion_fail policies
 *
 * Policy handling:
 *   - Null/missing field: defers to on_missing_field (skip/match/fail)
 *   - Coercion failure: defers to on_coercion_fail (skip/match/error)
 *
 * Sampling hashes (rule id, record key) with xxhash, so a record's fate is a
 * pure function of the rule set and the record. Replays and other replicas
 * make the same choice.
 *
 * A rule with no OR groups matches every sampled record.
 */

// MatchResult contains the outcome of evaluating one rule.
type MatchResult struct {
	Matched      bool
	MatchedField []types.PathSegment
	MatchedValue any
	MatchedGroup int // index of the matching OR group, -1 when unconditional
}

// EvaluateRule checks whether rule matches the decoded document.
// key feeds the sampling hash.
func EvaluateRule(rule *CompiledRule, doc any, key string) MatchResult {
	result := MatchResult{MatchedGroup: -1}

	if !Sampled(rule.RuleID, key, rule.SampleRate) {
		return result
	}

	if len(rule.OrGroups) == 0 {
		result.Matched = true
		return result
	}

	for groupIdx, group := range rule.OrGroups {
		matched, field, value := evaluateGroup(group, doc)
		if matched {
			result.Matched = true
			result.MatchedField = field
			result.MatchedValue = value
			result.MatchedGroup = groupIdx
			return result
		}
	}

	return result
}

// evaluateGroup evaluates AND group (all conditions must match).
// Short-circuits on first non-match. Returns matched field/value from first condition.
func evaluateGroup(group CompiledOrGroup, doc any) (bool, []types.PathSegment, any) {
	var firstField []types.PathSegment
	var firstValue any

	for i, cond := range group.Conditions {
		matched, field, value := evaluateCondition(cond, doc)
		if !matched {
			return false, nil, nil
		}
		if i == 0 {
			firstField = field
			firstValue = value
		}
	}

	return true, firstField, firstValue
}

// evaluateCondition evaluates a single condition against the document.
// Paths were validated at compile time, so resolution only reports missing fields.
func evaluateCondition(cond CompiledCondition, doc any) (bool, []types.PathSegment, any) {
	resolved, err := Resolve(cond.Path, doc)
	if err != nil || !resolved.Found {
		return missingOutcome(cond), nil, nil
	}

	// exists / is_null inspect presence, not value type
	if cond.Operator == OpExists || cond.Operator == OpIsNull {
		return Compare(cond.Operator, resolved.Value, nil), resolved.ResolvedPath, resolved.Value
	}

	coerced, err := Coerce(resolved.Value, cond.FieldType)
	if err != nil {
		if errors.Is(err, types.ErrCoercionFailed) {
			return applyCoercionPolicy(cond.OnCoercion), resolved.ResolvedPath, resolved.Value
		}
		return false, nil, nil
	}

	if coerced.IsNull {
		return applyMissingPolicy(cond.OnMissing), resolved.ResolvedPath, nil
	}

	var target any
	switch {
	case len(cond.FieldRef) > 0:
		refResolved, err := Resolve(cond.FieldRef, doc)
		if err != nil || !refResolved.Found {
			return applyMissingPolicy(cond.OnMissing), resolved.ResolvedPath, coerced.Value
		}
		refCoerced, err := Coerce(refResolved.Value, cond.FieldType)
		if err != nil || refCoerced.IsNull {
			return applyMissingPolicy(cond.OnMissing), resolved.ResolvedPath, coerced.Value
		}
		target = refCoerced.Value
	case cond.Operator == OpIn:
		target = cond.Values
	default:
		target = cond.Value
	}

	return Compare(cond.Operator, coerced.Value, target), resolved.ResolvedPath, coerced.Value
}

// missingOutcome handles a path that did not resolve. is_null treats an
// absent field as null; every other operator defers to on_missing_field.
func missingOutcome(cond CompiledCondition) bool {
	if cond.Operator == OpIsNull {
		return true
	}
	if cond.Operator == OpExists {
		return false
	}
	return applyMissingPolicy(cond.OnMissing)
}

// applyMissingPolicy converts OnMissingField policy to boolean match result.
// SKIP/FAIL -> false, MATCH -> true.
func applyMissingPolicy(policy OnMissingField) bool {
	return policy == OnMissingMatch
}

// applyCoercionPolicy converts OnCoercionPolicy policy to boolean match result.
// MATCH -> true, SKIP/ERROR -> false.
func applyCoercionPolicy(policy OnCoercionPolicy) bool {
	return policy == OnCoercionMatch
}

// Sampled reports whether a record with key falls inside rule's sample.
// Rate 0 never samples, rate 1 always does.
func Sampled(ruleID types.RuleID, key string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	d := xxhash.New()
	_, _ = d.WriteString(string(ruleID))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(key)
	f := float64(d.Sum64()) / math.MaxUint64
	return f < rate
}
