// internal/types/rules.go
package types

import "time"

/*
 * Domain types for rule evaluation.
 *
 * Provides Rule, RuleSet, OrGroup, Condition, Action and PathSegment
 * structures used by internal/rules for compilation and evaluation. These
 * types are wire-format agnostic; admin JSON conversion happens at the API
 * boundary and SQL persistence in the store package.
 *
 * Key types:
 *   - RuleSet: Versioned, immutable ordered collection bound to a subject
 *   - Rule: Priority, DNF condition and a single action
 *   - OrGroup: AND group (all conditions must match)
 *   - Condition: Single comparison with field path and operator
 *   - Action: ACCEPT, TRANSFORM(field ops) or REJECT(reason code)
 *   - PathSegment: One component of a JSON path (key, index, or wildcard)
 *
 * Enum-valued fields are plain ints here; internal/rules owns the typed enums.
 */

// PathSegment represents one component of a field path.
// String for object keys, int for array indices, wildcard for array expansion.
type PathSegment struct {
	Key      string `json:"key,omitempty"`      // object key (mutually exclusive with Index/Wildcard)
	Index    int    `json:"index,omitempty"`    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   `json:"is_index,omitempty"` // disambiguates Index=0 from unset
	Wildcard bool   `json:"wildcard,omitempty"` // true = wildcard segment
}

// Condition represents a single condition in a rule expression.
type Condition struct {
	FieldPath      []PathSegment `json:"field_path"`                 // path to field in payload
	FieldRef       []PathSegment `json:"field_ref,omitempty"`        // path to comparison field (mutually exclusive with Value)
	Operator       int           `json:"operator"`                   // operator enum value
	FieldType      int           `json:"field_type"`                 // field type enum value
	Value          any           `json:"value,omitempty"`            // comparison value (nil for exists/is_null)
	Values         []any         `json:"values,omitempty"`           // for IN operator
	OnMissingField int           `json:"on_missing_field,omitempty"` // policy enum value
	OnCoercionFail int           `json:"on_coercion_fail,omitempty"` // policy enum value
}

// OrGroup represents an AND group in DNF (all conditions must match).
type OrGroup struct {
	Conditions []Condition `json:"conditions"`
}

// FieldTransform is one field-level mapping applied by a TRANSFORM action.
type FieldTransform struct {
	Op     int       `json:"op"`               // transform op enum value
	Field  string    `json:"field"`            // top-level field the op applies to
	Target string    `json:"target,omitempty"` // rename destination
	Value  any       `json:"value,omitempty"`  // set/default value
	Kind   FieldKind `json:"kind,omitempty"`   // cast target kind
}

// Action is the outcome a matching rule assigns to a record.
type Action struct {
	Kind       int              `json:"kind"`                  // action enum value
	ReasonCode string           `json:"reason_code,omitempty"` // REJECT only
	Transforms []FieldTransform `json:"transforms,omitempty"`  // TRANSFORM only
}

// Rule represents a complete rule definition for compilation.
// An empty OrGroups list matches every record.
type Rule struct {
	RuleID     RuleID    `json:"rule_id"`     // unique within the rule set
	Name       string    `json:"name"`        // human-readable name
	Priority   int       `json:"priority"`    // ascending evaluation order, unique per set
	SampleRate float64   `json:"sample_rate"` // [0.0, 1.0] sampling rate
	OrGroups   []OrGroup `json:"or_groups"`   // DNF: OR of AND groups
	Action     Action    `json:"action"`
}

// RuleSet is an ordered, versioned collection of rules bound to a subject.
// Once activated a version is never mutated; updates create a new version.
type RuleSet struct {
	Subject       Subject   `json:"subject"`
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	Rules         []Rule    `json:"rules"`
	CreatedAt     time.Time `json:"created_at"`
}

// RuleSetVersion summarises one stored version of a subject's rule set.
type RuleSetVersion struct {
	Subject       Subject   `json:"subject"`
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	RuleCount     int       `json:"rule_count"`
	CreatedAt     time.Time `json:"created_at"`
	Active        bool      `json:"active"`
}
