package rules

import "testing"

func TestParseNames(t *testing.T) {
	if op, err := ParseOperator("is_null"); err != nil || op != OpIsNull {
		t.Errorf("ParseOperator(is_null) = %v, %v", op, err)
	}
	if ft, err := ParseFieldType(""); err != nil || ft != FieldTypeUnspecified {
		t.Errorf("ParseFieldType(\"\") = %v, %v", ft, err)
	}
	if k, err := ParseActionKind("reject"); err != nil || k != ActionReject {
		t.Errorf("ParseActionKind(reject) = %v, %v", k, err)
	}
	if op, err := ParseTransformOp("upper"); err != nil || op != TransformUpper {
		t.Errorf("ParseTransformOp(upper) = %v, %v", op, err)
	}
	if p, err := ParseOnMissingField(""); err != nil || p != OnMissingSkip {
		t.Errorf("ParseOnMissingField(\"\") = %v, %v", p, err)
	}
	if _, err := ParseTransformOp("UPPER"); err == nil {
		t.Error("names are case sensitive")
	}
	if got := Operator(99).String(); got != "unknown(99)" {
		t.Errorf("Operator(99).String() = %q", got)
	}
}
