// internal/rules/compile.go
package rules

import (
	"fmt"
	"sort"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles types.Rule against a schema version into a CompiledRule with
 * pre-ordered conditions, validated resource limits and a checked action.
 *
 * Compilation workflow:
 *   1. Validate sample rate and action shape
 *   2. Validate every condition path against the schema's declared fields
 *   3. Validate resource limits (path depth, wildcards, IN values)
 *   4. Calculate condition costs using canonical cost model
 *   5. Order conditions by ascending cost (stable sort for determinism)
 *   6. Validate transforms keep documents valid under the schema version
 *
 * Every failure is a *types.RuleCompilationError carrying the rule id. They
 * surface when a rule set is proposed, never while records are evaluated.
 *
 * Stable sort: conditions with equal cost keep their original order so the
 * reported matched field is identical across identical inputs.
 *
 * Field_ref constraint: cross-field comparison paths cannot contain wildcards
 * because resolving both sides with wildcards creates an N*M comparison matrix.
 */

// Operator selects the comparison a condition applies.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpPrefix
	OpSuffix
	OpIn
	OpExists
	OpIsNull
)

// OnMissingField policy for missing field handling.
type OnMissingField int

const (
	OnMissingSkip OnMissingField = iota
	OnMissingMatch
	OnMissingFail
)

// OnCoercionPolicy specifies behavior when type coercion fails.
type OnCoercionPolicy int

const (
	OnCoercionSkip OnCoercionPolicy = iota
	OnCoercionMatch
	OnCoercionError
)

// ActionKind is the fate a matching rule assigns to a record.
type ActionKind int

const (
	ActionUnspecified ActionKind = iota
	ActionAccept
	ActionTransform
	ActionReject
)

// CompiledCondition is a pre-processed condition ready for evaluation.
type CompiledCondition struct {
	Path       []types.PathSegment
	Operator   Operator
	FieldType  FieldType
	Value      any                 // comparison value (nil for exists/is_null)
	Values     []any               // for IN operator
	FieldRef   []types.PathSegment // for cross-field comparison (mutually exclusive with Value)
	OnMissing  OnMissingField
	OnCoercion OnCoercionPolicy
	Cost       int
}

// CompiledOrGroup is a pre-processed AND group.
type CompiledOrGroup struct {
	Conditions []CompiledCondition // ordered by ascending cost
}

// CompiledAction is a validated action.
type CompiledAction struct {
	Kind       ActionKind
	ReasonCode string
	Transforms []CompiledTransform
}

// CompiledRule is fully pre-processed and ready for evaluation.
type CompiledRule struct {
	RuleID     types.RuleID
	Name       string
	Priority   int
	SampleRate float64
	OrGroups   []CompiledOrGroup // empty matches every record
	Action     CompiledAction
	Cost       int // sum of condition costs, diagnostics only
}

// Compile validates rule against schema and pre-processes it for evaluation.
func Compile(rule *types.Rule, schema *types.Schema) (*CompiledRule, error) {
	if schema == nil {
		return nil, compileErr(rule.RuleID, fmt.Errorf("%w: no schema to compile against", types.ErrInvalidSchema))
	}
	if rule.RuleID == "" {
		return nil, compileErr("", types.ErrMissingRuleID)
	}
	if rule.SampleRate < 0 || rule.SampleRate > 1 {
		return nil, compileErr(rule.RuleID, fmt.Errorf("%w: got %v", types.ErrInvalidSampleRate, rule.SampleRate))
	}

	action, err := compileAction(rule.Action, schema)
	if err != nil {
		return nil, compileErr(rule.RuleID, err)
	}

	compiled := &CompiledRule{
		RuleID:     rule.RuleID,
		Name:       rule.Name,
		Priority:   rule.Priority,
		SampleRate: rule.SampleRate,
		OrGroups:   make([]CompiledOrGroup, 0, len(rule.OrGroups)),
		Action:     action,
	}

	for gi, group := range rule.OrGroups {
		if len(group.Conditions) == 0 {
			return nil, compileErr(rule.RuleID, fmt.Errorf("or_groups[%d]: %w", gi, types.ErrEmptyExpression))
		}
		compiledGroup := CompiledOrGroup{
			Conditions: make([]CompiledCondition, 0, len(group.Conditions)),
		}

		for ci, cond := range group.Conditions {
			cc, err := compileCondition(cond, schema)
			if err != nil {
				return nil, compileErr(rule.RuleID, fmt.Errorf("or_groups[%d].conditions[%d]: %w", gi, ci, err))
			}
			compiledGroup.Conditions = append(compiledGroup.Conditions, cc)
			compiled.Cost += cc.Cost
		}

		sort.SliceStable(compiledGroup.Conditions, func(i, j int) bool {
			return compiledGroup.Conditions[i].Cost < compiledGroup.Conditions[j].Cost
		})

		compiled.OrGroups = append(compiled.OrGroups, compiledGroup)
	}

	return compiled, nil
}

func compileErr(id types.RuleID, err error) error {
	rce := &types.RuleCompilationError{Err: err}
	if id != "" {
		rce.RuleIDs = []types.RuleID{id}
	}
	return rce
}

// compileCondition validates and pre-processes a single condition for evaluation.
// Enforces schema field references, path depth, wildcard and IN value limits.
func compileCondition(cond types.Condition, schema *types.Schema) (CompiledCondition, error) {
	path := cond.FieldPath

	if err := validatePath(path, schema); err != nil {
		return CompiledCondition{}, err
	}

	fieldRef := cond.FieldRef
	if len(fieldRef) > 0 {
		for _, seg := range fieldRef {
			if seg.Wildcard {
				return CompiledCondition{}, types.ErrWildcardInFieldRef
			}
		}
		if err := validatePath(fieldRef, schema); err != nil {
			return CompiledCondition{}, fmt.Errorf("field_ref: %w", err)
		}
	}

	op := Operator(cond.Operator)
	ft := FieldType(cond.FieldType)

	if err := validateOperator(op, ft); err != nil {
		return CompiledCondition{}, err
	}
	if cond.OnMissingField < int(OnMissingSkip) || cond.OnMissingField > int(OnMissingFail) {
		return CompiledCondition{}, fmt.Errorf("%w: on_missing_field %d", types.ErrInvalidOperator, cond.OnMissingField)
	}
	if cond.OnCoercionFail < int(OnCoercionSkip) || cond.OnCoercionFail > int(OnCoercionError) {
		return CompiledCondition{}, fmt.Errorf("%w: on_coercion_fail %d", types.ErrInvalidOperator, cond.OnCoercionFail)
	}

	if op == OpIn && len(cond.Values) > types.MaxInOperatorValues {
		return CompiledCondition{}, types.ErrTooManyInValues
	}

	cc := CompiledCondition{
		Path:       path,
		Operator:   op,
		FieldType:  ft,
		Value:      normalizeValue(cond.Value),
		Values:     normalizeValues(cond.Values),
		FieldRef:   fieldRef,
		OnMissing:  OnMissingField(cond.OnMissingField),
		OnCoercion: OnCoercionPolicy(cond.OnCoercionFail),
	}
	cc.Cost = conditionCost(&cc)
	return cc, nil
}

// validatePath checks limits and that the path starts at a declared field.
// Descending below a field requires an object, array or any kind.
func validatePath(path []types.PathSegment, schema *types.Schema) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", types.ErrInvalidFieldPath)
	}
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}

	wildcardCount := 0
	for _, seg := range path {
		if seg.Wildcard {
			wildcardCount++
		}
	}
	if wildcardCount > types.MaxNestedWildcards {
		return types.ErrTooManyWildcards
	}

	head := path[0]
	if head.Wildcard || head.IsIndex || head.Key == "" {
		return fmt.Errorf("%w: path must start with a field name", types.ErrInvalidFieldPath)
	}
	field, ok := schema.Field(head.Key)
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownField, head.Key)
	}
	if len(path) > 1 && !field.Kind.Nestable() {
		return fmt.Errorf("%w: %q is %s and has no nested fields", types.ErrUnknownField, head.Key, field.Kind)
	}
	return nil
}

// validateOperator rejects unknown operators and operator/type pairs that can never match.
func validateOperator(op Operator, ft FieldType) error {
	if op <= OpUnspecified || op > OpIsNull {
		return fmt.Errorf("%w: %d", types.ErrInvalidOperator, op)
	}
	if ft < FieldTypeUnspecified || ft > FieldTypeAny {
		return fmt.Errorf("%w: field type %d", types.ErrInvalidOperator, ft)
	}
	switch op {
	case OpLt, OpLte, OpGt, OpGte:
		if ft == FieldTypeText || ft == FieldTypeBoolean {
			return fmt.Errorf("%w: %s requires a numeric field", types.ErrInvalidOperator, op)
		}
	case OpPrefix, OpSuffix:
		if ft == FieldTypeNumeric || ft == FieldTypeBoolean {
			return fmt.Errorf("%w: %s requires a text field", types.ErrInvalidOperator, op)
		}
	}
	return nil
}

// compileAction checks the action shape and compiles its transforms.
func compileAction(a types.Action, schema *types.Schema) (CompiledAction, error) {
	kind := ActionKind(a.Kind)
	out := CompiledAction{Kind: kind, ReasonCode: a.ReasonCode}

	switch kind {
	case ActionAccept:
		if len(a.Transforms) > 0 {
			return out, fmt.Errorf("%w: accept takes no transforms", types.ErrInvalidAction)
		}
	case ActionReject:
		if a.ReasonCode == "" {
			return out, fmt.Errorf("%w: reject requires a reason code", types.ErrInvalidAction)
		}
		if len(a.Transforms) > 0 {
			return out, fmt.Errorf("%w: reject takes no transforms", types.ErrInvalidAction)
		}
	case ActionTransform:
		if len(a.Transforms) == 0 {
			return out, fmt.Errorf("%w: transform requires at least one field op", types.ErrInvalidAction)
		}
		if len(a.Transforms) > types.MaxTransformsPerRule {
			return out, fmt.Errorf("%w: %d field ops exceeds %d", types.ErrInvalidAction, len(a.Transforms), types.MaxTransformsPerRule)
		}
		out.Transforms = make([]CompiledTransform, 0, len(a.Transforms))
		for i, t := range a.Transforms {
			ct, err := compileTransform(t, schema)
			if err != nil {
				return out, fmt.Errorf("transforms[%d]: %w", i, err)
			}
			out.Transforms = append(out.Transforms, ct)
		}
	default:
		return out, fmt.Errorf("%w: unknown kind %d", types.ErrInvalidAction, a.Kind)
	}
	return out, nil
}

// normalizeValue widens integer literals to float64 to match decoded documents.
func normalizeValue(v any) any {
	if f, ok := toFloat64(v); ok {
		return f
	}
	return v
}

func normalizeValues(vs []any) []any {
	if vs == nil {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = normalizeValue(v)
	}
	return out
}
