package api

import (
	"fmt"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/rules"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Admin wire documents.
 *
 * Rules travel in a readable form: field paths as strings ("items[*].price"),
 * enums by name ("lt", "numeric", "reject", "upper"). The same documents are
 * what `rulestream ruleset propose` reads from a file. Conversion to
 * types.Rule happens here; compilation against the schema happens in the
 * control plane.
 */

// ConditionDoc is one condition of an AND group.
type ConditionDoc struct {
	Field          string `json:"field"`
	FieldRef       string `json:"field_ref,omitempty"`
	Operator       string `json:"operator"`
	FieldType      string `json:"field_type,omitempty"`
	Value          any    `json:"value,omitempty"`
	Values         []any  `json:"values,omitempty"`
	OnMissingField string `json:"on_missing_field,omitempty"`
	OnCoercionFail string `json:"on_coercion_fail,omitempty"`
}

// GroupDoc is an AND group; a rule matches when any of its groups does.
type GroupDoc struct {
	Conditions []ConditionDoc `json:"conditions"`
}

// TransformDoc is one field op of a transform action.
type TransformDoc struct {
	Op     string `json:"op"`
	Field  string `json:"field"`
	Target string `json:"target,omitempty"`
	Value  any    `json:"value,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// ActionDoc is the action of a rule.
type ActionDoc struct {
	Kind       string         `json:"kind"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Transforms []TransformDoc `json:"transforms,omitempty"`
}

// RuleDoc is a rule as written by operators. A missing sample_rate means 1.
type RuleDoc struct {
	RuleID     string     `json:"rule_id,omitempty"`
	Name       string     `json:"name"`
	Priority   int        `json:"priority"`
	SampleRate *float64   `json:"sample_rate,omitempty"`
	OrGroups   []GroupDoc `json:"or_groups,omitempty"`
	Action     ActionDoc  `json:"action"`
}

// RuleSetDoc is a stored rule set version.
type RuleSetDoc struct {
	Subject       string    `json:"subject"`
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	Rules         []RuleDoc `json:"rules"`
	CreatedAt     time.Time `json:"created_at"`
}

// ValidationIssue is one reason a proposal was rejected.
type ValidationIssue struct {
	RuleIDs []string `json:"rule_ids,omitempty"`
	Message string   `json:"message"`
}

type ProposeRuleSetRequest struct {
	Subject string    `json:"subject"`
	Rules   []RuleDoc `json:"rules"`
}

// ProposeRuleSetResponse reports either the activated version or every
// validation issue of a rejected proposal.
type ProposeRuleSetResponse struct {
	Accepted bool              `json:"accepted"`
	Version  int64             `json:"version,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

type ReactivateRuleSetRequest struct {
	Subject string `json:"subject"`
	Version int64  `json:"version"`
}

type GetActiveRuleSetRequest struct {
	Subject string `json:"subject"`
}

type GetActiveRuleSetResponse struct {
	RuleSet RuleSetDoc `json:"rule_set"`
}

type ListRuleSetVersionsRequest struct {
	Subject string `json:"subject"`
}

type ListRuleSetVersionsResponse struct {
	Versions []types.RuleSetVersion `json:"versions"`
}

type GetQuarantineStatsRequest struct {
	Subject string `json:"subject"`
}

type GetQuarantineStatsResponse struct {
	Stats types.QuarantineStats `json:"stats"`
}

// ToRules converts rule documents, reporting the first malformed field.
func ToRules(docs []RuleDoc) ([]types.Rule, error) {
	out := make([]types.Rule, 0, len(docs))
	for i, d := range docs {
		r, err := toRule(d)
		if err != nil {
			name := d.RuleID
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func toRule(d RuleDoc) (types.Rule, error) {
	r := types.Rule{
		RuleID:     types.RuleID(d.RuleID),
		Name:       d.Name,
		Priority:   d.Priority,
		SampleRate: 1,
	}
	if d.SampleRate != nil {
		r.SampleRate = *d.SampleRate
	}

	for _, g := range d.OrGroups {
		group := types.OrGroup{Conditions: make([]types.Condition, 0, len(g.Conditions))}
		for _, c := range g.Conditions {
			cond, err := toCondition(c)
			if err != nil {
				return r, err
			}
			group.Conditions = append(group.Conditions, cond)
		}
		r.OrGroups = append(r.OrGroups, group)
	}

	kind, err := rules.ParseActionKind(d.Action.Kind)
	if err != nil {
		return r, err
	}
	r.Action = types.Action{Kind: int(kind), ReasonCode: d.Action.ReasonCode}
	for _, t := range d.Action.Transforms {
		op, err := rules.ParseTransformOp(t.Op)
		if err != nil {
			return r, err
		}
		r.Action.Transforms = append(r.Action.Transforms, types.FieldTransform{
			Op:     int(op),
			Field:  t.Field,
			Target: t.Target,
			Value:  t.Value,
			Kind:   types.FieldKind(t.Kind),
		})
	}
	return r, nil
}

func toCondition(c ConditionDoc) (types.Condition, error) {
	var cond types.Condition
	path, err := rules.ParsePath(c.Field)
	if err != nil {
		return cond, err
	}
	cond.FieldPath = path
	if c.FieldRef != "" {
		if cond.FieldRef, err = rules.ParsePath(c.FieldRef); err != nil {
			return cond, err
		}
	}

	op, err := rules.ParseOperator(c.Operator)
	if err != nil {
		return cond, err
	}
	ft, err := rules.ParseFieldType(c.FieldType)
	if err != nil {
		return cond, err
	}
	missing, err := rules.ParseOnMissingField(c.OnMissingField)
	if err != nil {
		return cond, err
	}
	coercion, err := rules.ParseOnCoercionPolicy(c.OnCoercionFail)
	if err != nil {
		return cond, err
	}

	cond.Operator = int(op)
	cond.FieldType = int(ft)
	cond.Value = c.Value
	cond.Values = c.Values
	cond.OnMissingField = int(missing)
	cond.OnCoercionFail = int(coercion)
	return cond, nil
}

// FromRuleSet converts a stored rule set to its document form.
func FromRuleSet(rs *types.RuleSet) RuleSetDoc {
	doc := RuleSetDoc{
		Subject:       string(rs.Subject),
		Version:       rs.Version,
		SchemaVersion: rs.SchemaVersion,
		CreatedAt:     rs.CreatedAt,
		Rules:         make([]RuleDoc, 0, len(rs.Rules)),
	}
	for _, r := range rs.Rules {
		doc.Rules = append(doc.Rules, fromRule(r))
	}
	return doc
}

func fromRule(r types.Rule) RuleDoc {
	rate := r.SampleRate
	doc := RuleDoc{
		RuleID:     string(r.RuleID),
		Name:       r.Name,
		Priority:   r.Priority,
		SampleRate: &rate,
		Action: ActionDoc{
			Kind:       rules.ActionKind(r.Action.Kind).String(),
			ReasonCode: r.Action.ReasonCode,
		},
	}
	for _, g := range r.OrGroups {
		group := GroupDoc{Conditions: make([]ConditionDoc, 0, len(g.Conditions))}
		for _, c := range g.Conditions {
			cd := ConditionDoc{
				Field:          rules.FormatPath(c.FieldPath),
				Operator:       rules.Operator(c.Operator).String(),
				Value:          c.Value,
				Values:         c.Values,
				OnMissingField: rules.OnMissingField(c.OnMissingField).String(),
				OnCoercionFail: rules.OnCoercionPolicy(c.OnCoercionFail).String(),
			}
			if len(c.FieldRef) > 0 {
				cd.FieldRef = rules.FormatPath(c.FieldRef)
			}
			if ft := rules.FieldType(c.FieldType); ft != rules.FieldTypeUnspecified {
				cd.FieldType = ft.String()
			}
			group.Conditions = append(group.Conditions, cd)
		}
		doc.OrGroups = append(doc.OrGroups, group)
	}
	for _, t := range r.Action.Transforms {
		doc.Action.Transforms = append(doc.Action.Transforms, TransformDoc{
			Op:     rules.TransformOp(t.Op).String(),
			Field:  t.Field,
			Target: t.Target,
			Value:  t.Value,
			Kind:   string(t.Kind),
		})
	}
	return doc
}

// issues flattens validation errors for the wire.
func issues(verrs types.ValidationErrors) []ValidationIssue {
	out := make([]ValidationIssue, 0, len(verrs))
	for _, e := range verrs {
		ids := make([]string, len(e.RuleIDs))
		for i, id := range e.RuleIDs {
			ids[i] = string(id)
		}
		out = append(out, ValidationIssue{RuleIDs: ids, Message: e.Err.Error()})
	}
	return out
}
