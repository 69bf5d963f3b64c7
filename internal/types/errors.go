package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for rulestream operations.
var (
	// ErrSchemaUnavailable indicates the registry is unreachable and no usable cached value exists.
	ErrSchemaUnavailable = errors.New("schema unavailable")

	// ErrSchemaNotFound indicates the registry has no schema for the subject.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrSchemaConflict indicates a different definition already exists for a (subject, version).
	ErrSchemaConflict = errors.New("schema version already exists with different fields")

	// ErrRuleSetNotFound indicates no rule set version exists for the subject.
	ErrRuleSetNotFound = errors.New("rule set not found")

	// ErrInvalidSchema indicates a malformed schema definition.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrEmissionFailed indicates a sink or quarantine write did not succeed.
	ErrEmissionFailed = errors.New("emission failed")

	// ErrStateStoreCorruption indicates a dedup state snapshot failed its integrity check.
	ErrStateStoreCorruption = errors.New("state store corruption")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrWildcardInFieldRef indicates a wildcard in a field_ref path.
	ErrWildcardInFieldRef = errors.New("wildcards not allowed in field_ref")

	// ErrTooManyInValues indicates an IN operator exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("IN operator has too many values")

	// ErrEmptyExpression indicates an AND group with no conditions.
	ErrEmptyExpression = errors.New("rule expression is empty")

	// ErrInvalidOperator indicates an unknown or incompatible operator.
	ErrInvalidOperator = errors.New("invalid operator for field type")

	// ErrUnknownField indicates a path or transform references a field absent from the schema.
	ErrUnknownField = errors.New("field not declared in schema")

	// ErrInvalidAction indicates a missing or malformed rule action.
	ErrInvalidAction = errors.New("invalid rule action")

	// ErrSchemaChangingTransform indicates a transform whose output would not fit the schema version.
	ErrSchemaChangingTransform = errors.New("transform would require a schema change")

	// ErrDuplicatePriority indicates two or more rules share a priority.
	ErrDuplicatePriority = errors.New("duplicate rule priority")

	// ErrDuplicateRuleID indicates two or more rules share an id.
	ErrDuplicateRuleID = errors.New("duplicate rule id")

	// ErrMissingRuleID indicates a rule without an identifier.
	ErrMissingRuleID = errors.New("rule id required")

	// ErrInvalidSampleRate indicates a sample rate outside [0, 1].
	ErrInvalidSampleRate = errors.New("sample rate must be within [0, 1]")

	// ErrTooManyRules indicates a rule set exceeds MaxRulesPerSet.
	ErrTooManyRules = errors.New("rule set has too many rules")

	// ErrUnsupportedContentType indicates a payload encoding the codec cannot handle.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrInvalidFieldPath indicates a field path string could not be parsed.
	ErrInvalidFieldPath = errors.New("invalid field path")

	// ErrCoercionFailed indicates type coercion failed.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrPayloadTooLarge indicates the record payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// RuleCompilationError reports why rules could not be compiled.
// Raised at rule set activation, never during per-record evaluation.
type RuleCompilationError struct {
	RuleIDs []RuleID
	Err     error
}

func (e *RuleCompilationError) Error() string {
	if len(e.RuleIDs) == 0 {
		return e.Err.Error()
	}
	ids := make([]string, len(e.RuleIDs))
	for i, id := range e.RuleIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("rules [%s]: %v", strings.Join(ids, ", "), e.Err)
}

func (e *RuleCompilationError) Unwrap() error { return e.Err }

// ValidationErrors aggregates every compilation error of a rejected proposal.
type ValidationErrors []*RuleCompilationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "rule set rejected: " + strings.Join(msgs, "; ")
}

// Is lets errors.Is match any wrapped sentinel.
func (v ValidationErrors) Is(target error) bool {
	for _, e := range v {
		if errors.Is(e, target) {
			return true
		}
	}
	return false
}
