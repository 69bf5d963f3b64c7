// internal/types/schema.go
package types

import "fmt"

/*
 * Structural schema model.
 *
 * A Schema is the registry's (subject, version) definition of a record's
 * top-level fields. Rules compile against it: conditions may only reference
 * declared fields and transforms must keep documents valid under it.
 *
 * Nested structure below object/array fields is not described; paths that
 * descend into them are accepted and resolved dynamically at evaluation.
 */

// FieldKind is the declared type of a top-level schema field.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindObject  FieldKind = "object"
	KindArray   FieldKind = "array"
	KindAny     FieldKind = "any"
)

// Valid reports whether k is a known kind.
func (k FieldKind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindObject, KindArray, KindAny:
		return true
	default:
		return false
	}
}

// Nestable reports whether paths may descend below a field of this kind.
func (k FieldKind) Nestable() bool {
	return k == KindObject || k == KindArray || k == KindAny
}

// Field is one declared top-level field.
type Field struct {
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	Nullable bool      `json:"nullable"`
}

// Schema is immutable once published.
type Schema struct {
	Subject Subject `json:"subject"`
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`
}

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks the schema definition itself: known kinds, unique names.
func (s *Schema) Validate() error {
	if s.Subject == "" {
		return fmt.Errorf("%w: subject required", ErrInvalidSchema)
	}
	if s.Version <= 0 {
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalidSchema, s.Version)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field name required", ErrInvalidSchema)
		}
		if !f.Kind.Valid() {
			return fmt.Errorf("%w: field %q has unknown kind %q", ErrInvalidSchema, f.Name, f.Kind)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
