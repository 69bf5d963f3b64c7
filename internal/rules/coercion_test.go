// internal/rules/coercion_test.go
package rules

import (
	"errors"
	"math"
	"testing"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		fieldType FieldType
		wantValue any
		wantNull  bool
		wantErr   error
	}{
		{name: "numeric: amount string", value: "25", fieldType: FieldTypeNumeric, wantValue: 25.0},
		{name: "numeric: float passthrough", value: -5.5, fieldType: FieldTypeNumeric, wantValue: -5.5},
		{name: "numeric: int widened", value: 100, fieldType: FieldTypeNumeric, wantValue: 100.0},
		{name: "numeric: int64 widened", value: int64(7), fieldType: FieldTypeNumeric, wantValue: 7.0},
		{name: "numeric: padded string", value: "  42  ", fieldType: FieldTypeNumeric, wantValue: 42.0},
		{name: "numeric: exponent", value: "1e3", fieldType: FieldTypeNumeric, wantValue: 1000.0},
		{name: "numeric: whitespace only", value: "   ", fieldType: FieldTypeNumeric, wantErr: types.ErrCoercionFailed},
		{name: "numeric: currency code", value: "USD", fieldType: FieldTypeNumeric, wantErr: types.ErrCoercionFailed},
		{name: "numeric: boolean rejected", value: true, fieldType: FieldTypeNumeric, wantErr: types.ErrCoercionFailed},
		{name: "numeric: object rejected", value: map[string]any{}, fieldType: FieldTypeNumeric, wantErr: types.ErrCoercionFailed},

		{name: "text: passthrough", value: "US", fieldType: FieldTypeText, wantValue: "US"},
		{name: "text: float formatted", value: 12.5, fieldType: FieldTypeText, wantValue: "12.5"},
		{name: "text: whole float formatted", value: 3.0, fieldType: FieldTypeText, wantValue: "3"},
		{name: "text: int formatted", value: 9, fieldType: FieldTypeText, wantValue: "9"},
		{name: "text: bool formatted", value: false, fieldType: FieldTypeText, wantValue: "false"},
		{name: "text: object as json", value: map[string]any{"id": "c1"}, fieldType: FieldTypeText, wantValue: `{"id":"c1"}`},
		{name: "text: array as json", value: []any{1.0, "a"}, fieldType: FieldTypeText, wantValue: `[1,"a"]`},

		{name: "boolean: passthrough", value: true, fieldType: FieldTypeBoolean, wantValue: true},
		{name: "boolean: string rejected", value: "true", fieldType: FieldTypeBoolean, wantErr: types.ErrCoercionFailed},
		{name: "boolean: number rejected", value: 1.0, fieldType: FieldTypeBoolean, wantErr: types.ErrCoercionFailed},

		{name: "any: preserves string", value: "x", fieldType: FieldTypeAny, wantValue: "x"},
		{name: "unspecified: behaves as any", value: 4.0, fieldType: FieldTypeUnspecified, wantValue: 4.0},

		{name: "null: numeric", value: nil, fieldType: FieldTypeNumeric, wantNull: true},
		{name: "null: text", value: nil, fieldType: FieldTypeText, wantNull: true},

		{name: "unknown field type", value: "x", fieldType: FieldType(99), wantErr: types.ErrCoercionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Coerce(tt.value, tt.fieldType)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Coerce() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce() unexpected error = %v", err)
			}
			if result.IsNull != tt.wantNull {
				t.Fatalf("Coerce() IsNull = %v, want %v", result.IsNull, tt.wantNull)
			}
			if !tt.wantNull && result.Value != tt.wantValue {
				t.Errorf("Coerce() Value = %v (%T), want %v (%T)", result.Value, result.Value, tt.wantValue, tt.wantValue)
			}
		})
	}
}

func TestCoerceNumericSpecialValues(t *testing.T) {
	tests := []struct {
		in    string
		check func(float64) bool
	}{
		{"NaN", math.IsNaN},
		{"Inf", func(f float64) bool { return math.IsInf(f, 1) }},
		{"-Inf", func(f float64) bool { return math.IsInf(f, -1) }},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			result, err := Coerce(tt.in, FieldTypeNumeric)
			if err != nil {
				t.Fatalf("Coerce() error = %v", err)
			}
			f, ok := result.Value.(float64)
			if !ok || !tt.check(f) {
				t.Errorf("Coerce(%q) = %v", tt.in, result.Value)
			}
		})
	}

	if _, err := Coerce("1.2.3", FieldTypeNumeric); !errors.Is(err, types.ErrCoercionFailed) {
		t.Errorf("Coerce(1.2.3) error = %v, want ErrCoercionFailed", err)
	}
}
