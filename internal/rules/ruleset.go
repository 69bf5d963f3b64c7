// internal/rules/ruleset.go
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sandonleejacobs/rulestream/internal/codec"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Rule set compilation and record classification.
 *
 * CompileRuleSet compiles every rule of a set against one schema version and
 * collects all failures into types.ValidationErrors, so a rejected proposal
 * reports every broken rule at once. Priorities must be unique; rules are
 * ordered ascending by priority (lower number evaluated first).
 *
 * CompiledRuleSet.Evaluate decodes the payload once, walks the rules in
 * priority order and returns the first match's outcome. A record no rule
 * matches gets DefaultOutcome. The result depends only on the compiled set
 * and the record: no clock, no I/O, no randomness.
 *
 * A CompiledRuleSet is immutable after compilation and safe for concurrent
 * use by every partition loop.
 */

// OutcomeKind classifies a record's fate.
type OutcomeKind int

const (
	OutcomeAccept OutcomeKind = iota + 1
	OutcomeTransform
	OutcomeReject
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccept:
		return "accept"
	case OutcomeTransform:
		return "transform"
	case OutcomeReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// DefaultOutcome applies when no rule matches: the record passes unchanged.
const DefaultOutcome = OutcomeAccept

// Reason codes assigned by the engine rather than by a rule.
const (
	ReasonMalformedPayload = "malformed-payload"
	ReasonTransformFailed  = "transform-failed"
)

// Outcome is the result of classifying one record.
type Outcome struct {
	Kind           OutcomeKind
	Record         types.Record // record to emit; payload rewritten for OutcomeTransform
	RuleID         types.RuleID // empty when no rule matched
	RuleName       string
	ReasonCode     string // OutcomeReject only
	RuleSetVersion int64
	SchemaVersion  int
	MatchedField   []types.PathSegment
	MatchedValue   any
	Detail         string // decode or transform error text
}

// CompiledRuleSet is an immutable, evaluation-ready rule set.
type CompiledRuleSet struct {
	Subject       types.Subject
	Version       int64
	SchemaVersion int
	Schema        *types.Schema
	Rules         []*CompiledRule // ascending priority
}

// CompileRuleSet validates every rule of rs against schema.
// Returns types.ValidationErrors listing every failure.
func CompileRuleSet(rs *types.RuleSet, schema *types.Schema) (*CompiledRuleSet, error) {
	if schema == nil {
		return nil, types.ValidationErrors{{Err: fmt.Errorf("%w: no schema for subject %q", types.ErrInvalidSchema, rs.Subject)}}
	}
	if rs.SchemaVersion != 0 && rs.SchemaVersion != schema.Version {
		return nil, types.ValidationErrors{{Err: fmt.Errorf("%w: rule set targets schema version %d, have %d",
			types.ErrInvalidSchema, rs.SchemaVersion, schema.Version)}}
	}
	if len(rs.Rules) > types.MaxRulesPerSet {
		return nil, types.ValidationErrors{{Err: fmt.Errorf("%w: %d exceeds %d", types.ErrTooManyRules, len(rs.Rules), types.MaxRulesPerSet)}}
	}

	var errs types.ValidationErrors
	compiled := &CompiledRuleSet{
		Subject:       rs.Subject,
		Version:       rs.Version,
		SchemaVersion: schema.Version,
		Schema:        schema,
		Rules:         make([]*CompiledRule, 0, len(rs.Rules)),
	}

	byPriority := make(map[int][]types.RuleID)
	byID := make(map[types.RuleID]int)
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		byPriority[rule.Priority] = append(byPriority[rule.Priority], rule.RuleID)
		if rule.RuleID != "" {
			byID[rule.RuleID]++
		}

		cr, err := Compile(rule, schema)
		if err != nil {
			var rce *types.RuleCompilationError
			if errors.As(err, &rce) {
				errs = append(errs, rce)
			} else {
				errs = append(errs, &types.RuleCompilationError{RuleIDs: []types.RuleID{rule.RuleID}, Err: err})
			}
			continue
		}
		compiled.Rules = append(compiled.Rules, cr)
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	for _, p := range priorities {
		if ids := byPriority[p]; len(ids) > 1 {
			errs = append(errs, &types.RuleCompilationError{
				RuleIDs: ids,
				Err:     fmt.Errorf("%w: %d", types.ErrDuplicatePriority, p),
			})
		}
	}
	for i := range rs.Rules {
		id := rs.Rules[i].RuleID
		if byID[id] > 1 {
			errs = append(errs, &types.RuleCompilationError{RuleIDs: []types.RuleID{id}, Err: types.ErrDuplicateRuleID})
			byID[id] = 0
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	sort.SliceStable(compiled.Rules, func(i, j int) bool {
		return compiled.Rules[i].Priority < compiled.Rules[j].Priority
	})
	return compiled, nil
}

// EmptyRuleSet is the version 0 rule set of a subject with nothing active.
// Every record gets DefaultOutcome.
func EmptyRuleSet(subject types.Subject, schema *types.Schema) *CompiledRuleSet {
	crs := &CompiledRuleSet{Subject: subject, Schema: schema}
	if schema != nil {
		crs.SchemaVersion = schema.Version
	}
	return crs
}

// Evaluate classifies rec. First matching rule in priority order wins.
func (c *CompiledRuleSet) Evaluate(rec types.Record) Outcome {
	out := Outcome{
		Kind:           DefaultOutcome,
		Record:         rec,
		RuleSetVersion: c.Version,
		SchemaVersion:  c.SchemaVersion,
	}
	if len(c.Rules) == 0 {
		return out
	}

	doc, err := codec.Decode(rec.ContentType, rec.Payload)
	if err != nil {
		out.Kind = OutcomeReject
		out.ReasonCode = ReasonMalformedPayload
		out.Detail = err.Error()
		return out
	}

	for _, rule := range c.Rules {
		m := EvaluateRule(rule, doc, rec.Key)
		if !m.Matched {
			continue
		}
		out.RuleID = rule.RuleID
		out.RuleName = rule.Name
		out.MatchedField = m.MatchedField
		out.MatchedValue = m.MatchedValue

		switch rule.Action.Kind {
		case ActionReject:
			out.Kind = OutcomeReject
			out.ReasonCode = rule.Action.ReasonCode
		case ActionTransform:
			c.applyTransform(&out, rule, doc)
		default:
			out.Kind = OutcomeAccept
		}
		return out
	}
	return out
}

func (c *CompiledRuleSet) applyTransform(out *Outcome, rule *CompiledRule, doc any) {
	transformed, err := ApplyTransforms(rule.Action.Transforms, doc)
	if err == nil {
		var payload []byte
		payload, err = codec.Encode(out.Record.ContentType, transformed)
		if err == nil {
			out.Kind = OutcomeTransform
			out.Record.Payload = payload
			return
		}
	}
	out.Kind = OutcomeReject
	out.ReasonCode = ReasonTransformFailed
	out.Detail = err.Error()
}
