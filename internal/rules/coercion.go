// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Condition value coercion.
 *
 * A condition's field type says how a resolved document value is compared,
 * independent of the schema kind of the field. A string field can be
 * compared numerically; values that do not parse go to on_coercion_fail.
 *
 * Null and unparseable are different outcomes. A null value is reported as
 * IsNull and handled by on_missing_field; only a value of the wrong shape is
 * ErrCoercionFailed.
 *
 * Decoded payloads (JSON or protobuf Struct) only carry float64, string,
 * bool, map[string]any and []any. Go integer types still appear in literals
 * built by tests and callers, so numeric accepts them too.
 */

// FieldType is the comparison type a condition coerces values to.
type FieldType int

const (
	FieldTypeUnspecified FieldType = iota
	FieldTypeNumeric
	FieldTypeText
	FieldTypeBoolean
	FieldTypeAny
)

// CoercionResult holds the coerced value or indicates null.
type CoercionResult struct {
	Value  any
	IsNull bool
}

var coercers = map[FieldType]func(any) (any, error){
	FieldTypeUnspecified: asIs,
	FieldTypeAny:         asIs,
	FieldTypeNumeric:     toNumber,
	FieldTypeText:        toText,
	FieldTypeBoolean:     toBool,
}

// Coerce converts value to fieldType. Failures wrap types.ErrCoercionFailed.
func Coerce(value any, fieldType FieldType) (CoercionResult, error) {
	if value == nil {
		return CoercionResult{IsNull: true}, nil
	}
	fn, ok := coercers[fieldType]
	if !ok {
		return CoercionResult{}, fmt.Errorf("%w: unknown field type %d", types.ErrCoercionFailed, fieldType)
	}
	v, err := fn(value)
	if err != nil {
		return CoercionResult{}, err
	}
	return CoercionResult{Value: v}, nil
}

func asIs(v any) (any, error) { return v, nil }

// toNumber parses numeric strings after trimming. Booleans never become numbers.
func toNumber(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return parseNumber(string(n))
	case string:
		return parseNumber(n)
	}
	return nil, fmt.Errorf("%w: %T is not numeric", types.ErrCoercionFailed, v)
}

func parseNumber(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: blank numeric string", types.ErrCoercionFailed)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not numeric", types.ErrCoercionFailed, s)
	}
	return f, nil
}

// toText renders scalars the way they appear in a JSON document. Objects
// and arrays render as compact JSON.
func toText(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCoercionFailed, err)
	}
	return string(b), nil
}

// toBool only takes real booleans; "true" and 1 are coercion failures.
func toBool(v any) (any, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %T is not boolean", types.ErrCoercionFailed, v)
}
