// internal/rules/transform.go
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * TRANSFORM field operations.
 *
 * A transform maps one top-level field of a decoded document. Every op is
 * checked at compile time so that applying it to a document valid under the
 * schema version yields a document valid under the same version:
 *
 *   - rename: source must be nullable (it disappears), target declared with a
 *             kind that accepts the source kind
 *   - cast:   field kind must equal the cast kind (or be any); the cast kind
 *             must be string, number or boolean
 *   - default: fills a missing or null field with a value fitting its kind
 *   - set:    overwrites the field with a value fitting its kind; null only
 *             when the field is nullable
 *   - drop:   field must be nullable
 *   - upper:  upper-cases a string field (string or any kind)
 *
 * Apply never fails for a well-typed input except for cast, where a value
 * that cannot be converted yields ErrCoercionFailed and the record is
 * rejected with ReasonTransformFailed.
 */

// TransformOp identifies a field-level mapping.
type TransformOp int

const (
	TransformUnspecified TransformOp = iota
	TransformRename
	TransformCast
	TransformDefault
	TransformSet
	TransformDrop
	TransformUpper
)

// CompiledTransform is a validated field op.
type CompiledTransform struct {
	Op     TransformOp
	Field  string
	Target string
	Value  any
	Kind   types.FieldKind
}

func compileTransform(t types.FieldTransform, schema *types.Schema) (CompiledTransform, error) {
	op := TransformOp(t.Op)
	ct := CompiledTransform{Op: op, Field: t.Field, Target: t.Target, Value: normalizeValue(t.Value), Kind: t.Kind}

	field, ok := schema.Field(t.Field)
	if !ok {
		return ct, fmt.Errorf("%w: %q", types.ErrUnknownField, t.Field)
	}

	switch op {
	case TransformRename:
		target, ok := schema.Field(t.Target)
		if !ok {
			return ct, fmt.Errorf("%w: rename target %q", types.ErrUnknownField, t.Target)
		}
		if t.Target == t.Field {
			return ct, fmt.Errorf("%w: rename %q onto itself", types.ErrInvalidAction, t.Field)
		}
		if !field.Nullable {
			return ct, fmt.Errorf("%w: rename removes required field %q", types.ErrSchemaChangingTransform, t.Field)
		}
		if !kindAccepts(target.Kind, field.Kind) {
			return ct, fmt.Errorf("%w: %q (%s) cannot hold %q (%s)", types.ErrSchemaChangingTransform, t.Target, target.Kind, t.Field, field.Kind)
		}
	case TransformCast:
		switch t.Kind {
		case types.KindString, types.KindNumber, types.KindBoolean:
		default:
			return ct, fmt.Errorf("%w: cannot cast to %q", types.ErrInvalidAction, t.Kind)
		}
		if !kindAccepts(field.Kind, t.Kind) {
			return ct, fmt.Errorf("%w: %q is %s, cast produces %s", types.ErrSchemaChangingTransform, t.Field, field.Kind, t.Kind)
		}
	case TransformDefault:
		if ct.Value == nil {
			return ct, fmt.Errorf("%w: default for %q requires a value", types.ErrInvalidAction, t.Field)
		}
		if !ValueFitsKind(ct.Value, field.Kind) {
			return ct, fmt.Errorf("%w: default %v does not fit %q (%s)", types.ErrSchemaChangingTransform, t.Value, t.Field, field.Kind)
		}
	case TransformSet:
		if ct.Value == nil && !field.Nullable {
			return ct, fmt.Errorf("%w: set null on required field %q", types.ErrSchemaChangingTransform, t.Field)
		}
		if ct.Value != nil && !ValueFitsKind(ct.Value, field.Kind) {
			return ct, fmt.Errorf("%w: value %v does not fit %q (%s)", types.ErrSchemaChangingTransform, t.Value, t.Field, field.Kind)
		}
	case TransformDrop:
		if !field.Nullable {
			return ct, fmt.Errorf("%w: drop removes required field %q", types.ErrSchemaChangingTransform, t.Field)
		}
	case TransformUpper:
		if field.Kind != types.KindString && field.Kind != types.KindAny {
			return ct, fmt.Errorf("%w: upper on %q (%s)", types.ErrSchemaChangingTransform, t.Field, field.Kind)
		}
	default:
		return ct, fmt.Errorf("%w: unknown transform op %d", types.ErrInvalidAction, t.Op)
	}
	return ct, nil
}

// kindAccepts reports whether a field declared as dst can hold a value of kind src.
func kindAccepts(dst, src types.FieldKind) bool {
	return dst == types.KindAny || dst == src
}

// ValueFitsKind reports whether a decoded value is valid for a field kind.
// Nil never fits; nullability is checked separately.
func ValueFitsKind(v any, kind types.FieldKind) bool {
	if v == nil {
		return false
	}
	switch kind {
	case types.KindAny:
		return true
	case types.KindString:
		_, ok := v.(string)
		return ok
	case types.KindNumber:
		_, ok := toFloat64(v)
		return ok
	case types.KindBoolean:
		_, ok := v.(bool)
		return ok
	case types.KindObject:
		_, ok := v.(map[string]any)
		return ok
	case types.KindArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

// ApplyTransforms runs ops in order on a copy of the top-level object.
// The input document is never mutated.
func ApplyTransforms(ops []CompiledTransform, doc any) (map[string]any, error) {
	in, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not an object", types.ErrFieldNotFound)
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, t := range ops {
		if err := applyTransform(t, out); err != nil {
			return nil, fmt.Errorf("%s %q: %w", t.Op, t.Field, err)
		}
	}
	return out, nil
}

func applyTransform(t CompiledTransform, doc map[string]any) error {
	v, present := doc[t.Field]
	switch t.Op {
	case TransformRename:
		delete(doc, t.Field)
		if present && v != nil {
			doc[t.Target] = v
		}
	case TransformCast:
		if !present || v == nil {
			return nil
		}
		cast, err := castValue(v, t.Kind)
		if err != nil {
			return err
		}
		doc[t.Field] = cast
	case TransformDefault:
		if !present || v == nil {
			doc[t.Field] = t.Value
		}
	case TransformSet:
		doc[t.Field] = t.Value
	case TransformDrop:
		delete(doc, t.Field)
	case TransformUpper:
		if s, ok := v.(string); ok {
			doc[t.Field] = strings.ToUpper(s)
		}
	}
	return nil
}

// castValue converts a scalar to kind. Numeric strings parse, numbers and
// booleans format; anything else is ErrCoercionFailed.
func castValue(v any, kind types.FieldKind) (any, error) {
	switch kind {
	case types.KindString:
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: cannot cast %T to string", types.ErrCoercionFailed, v)
		}
		return toText(v)
	case types.KindNumber:
		return toNumber(v)
	case types.KindBoolean:
		if s, ok := v.(string); ok {
			parsed, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not boolean", types.ErrCoercionFailed, s)
			}
			return parsed, nil
		}
		return toBool(v)
	default:
		return nil, fmt.Errorf("%w: cannot cast to %s", types.ErrCoercionFailed, kind)
	}
}

// ValidateDocument checks doc against the schema's declared top-level fields.
// Required fields must be present and non-null; present fields must fit their
// kind. Undeclared fields are permitted.
func ValidateDocument(schema *types.Schema, doc any) error {
	m, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: top-level value is not an object", types.ErrInvalidSchema)
	}
	for _, f := range schema.Fields {
		v, present := m[f.Name]
		if !present || v == nil {
			if !f.Nullable {
				return fmt.Errorf("%w: required field %q missing", types.ErrInvalidSchema, f.Name)
			}
			continue
		}
		if !ValueFitsKind(v, f.Kind) {
			return fmt.Errorf("%w: field %q is not %s", types.ErrInvalidSchema, f.Name, f.Kind)
		}
	}
	return nil
}
