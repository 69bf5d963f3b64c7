// internal/rules/names.go
package rules

import "fmt"

/*
 * Textual names for the rule enums.
 *
 * Admin requests and CLI rule files spell operators, field types, policies,
 * actions and transform ops as lower-case strings. These tables are the only
 * place the spellings live.
 */

var operatorNames = map[Operator]string{
	OpEq:     "eq",
	OpNeq:    "neq",
	OpLt:     "lt",
	OpLte:    "lte",
	OpGt:     "gt",
	OpGte:    "gte",
	OpPrefix: "prefix",
	OpSuffix: "suffix",
	OpIn:     "in",
	OpExists: "exists",
	OpIsNull: "is_null",
}

var fieldTypeNames = map[FieldType]string{
	FieldTypeUnspecified: "",
	FieldTypeNumeric:     "numeric",
	FieldTypeText:        "text",
	FieldTypeBoolean:     "boolean",
	FieldTypeAny:         "any",
}

var onMissingNames = map[OnMissingField]string{
	OnMissingSkip:  "skip",
	OnMissingMatch: "match",
	OnMissingFail:  "fail",
}

var onCoercionNames = map[OnCoercionPolicy]string{
	OnCoercionSkip:  "skip",
	OnCoercionMatch: "match",
	OnCoercionError: "error",
}

var actionNames = map[ActionKind]string{
	ActionAccept:    "accept",
	ActionTransform: "transform",
	ActionReject:    "reject",
}

var transformNames = map[TransformOp]string{
	TransformRename:  "rename",
	TransformCast:    "cast",
	TransformDefault: "default",
	TransformSet:     "set",
	TransformDrop:    "drop",
	TransformUpper:   "upper",
}

func (o Operator) String() string         { return nameOf(operatorNames, o) }
func (f FieldType) String() string        { return nameOf(fieldTypeNames, f) }
func (p OnMissingField) String() string   { return nameOf(onMissingNames, p) }
func (p OnCoercionPolicy) String() string { return nameOf(onCoercionNames, p) }
func (a ActionKind) String() string       { return nameOf(actionNames, a) }
func (t TransformOp) String() string      { return nameOf(transformNames, t) }

// ParseOperator maps an operator name to its enum value.
func ParseOperator(s string) (Operator, error) {
	return parseName(operatorNames, s, "operator")
}

// ParseFieldType maps a field type name to its enum value. Empty means unspecified.
func ParseFieldType(s string) (FieldType, error) {
	return parseName(fieldTypeNames, s, "field type")
}

// ParseOnMissingField maps a policy name to its enum value. Empty means skip.
func ParseOnMissingField(s string) (OnMissingField, error) {
	if s == "" {
		return OnMissingSkip, nil
	}
	return parseName(onMissingNames, s, "on_missing_field")
}

// ParseOnCoercionPolicy maps a policy name to its enum value. Empty means skip.
func ParseOnCoercionPolicy(s string) (OnCoercionPolicy, error) {
	if s == "" {
		return OnCoercionSkip, nil
	}
	return parseName(onCoercionNames, s, "on_coercion_fail")
}

// ParseActionKind maps an action name to its enum value.
func ParseActionKind(s string) (ActionKind, error) {
	return parseName(actionNames, s, "action")
}

// ParseTransformOp maps a transform op name to its enum value.
func ParseTransformOp(s string) (TransformOp, error) {
	return parseName(transformNames, s, "transform op")
}

func nameOf[K comparable](names map[K]string, k K) string {
	if n, ok := names[k]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("unknown(%d)", any(k))
}

func parseName[K comparable](names map[K]string, s, what string) (K, error) {
	for k, n := range names {
		if n == s {
			return k, nil
		}
	}
	var zero K
	return zero, fmt.Errorf("unknown %s %q", what, s)
}
