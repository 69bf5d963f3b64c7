// internal/rules/operators.go
package rules

import "strings"

/*
 * Comparison operators.
 *
 * Compare receives values that already went through Coerce, so a numeric
 * condition sees float64 on both sides and a text condition sees strings.
 * ANY conditions keep the decoded types, which is why equality still widens
 * Go integers and refuses to compare objects or arrays.
 *
 * Ordering operators only order numbers. A pair that cannot be ordered
 * fails every ordering operator instead of comparing as equal.
 */

type comparator func(value, target any) bool

var comparators = map[Operator]comparator{
	OpExists: func(v, _ any) bool { return v != nil },
	OpIsNull: func(v, _ any) bool { return v == nil },
	OpEq:     equal,
	OpNeq:    func(v, t any) bool { return !equal(v, t) },
	OpLt:     ordered(func(c int) bool { return c < 0 }),
	OpLte:    ordered(func(c int) bool { return c <= 0 }),
	OpGt:     ordered(func(c int) bool { return c > 0 }),
	OpGte:    ordered(func(c int) bool { return c >= 0 }),
	OpPrefix: affix(strings.HasPrefix),
	OpSuffix: affix(strings.HasSuffix),
	OpIn:     member,
}

// Compare applies op to value and target. Unknown operators never match.
func Compare(op Operator, value, target any) bool {
	fn, ok := comparators[op]
	if !ok {
		return false
	}
	return fn(value, target)
}

func equal(a, b any) bool {
	if x, ok := toFloat64(a); ok {
		y, ok := toFloat64(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func ordered(accept func(cmp int) bool) comparator {
	return func(a, b any) bool {
		x, okA := toFloat64(a)
		y, okB := toFloat64(b)
		if !okA || !okB {
			return false
		}
		switch {
		case x < y:
			return accept(-1)
		case x > y:
			return accept(1)
		default:
			return accept(0)
		}
	}
}

func affix(match func(s, part string) bool) comparator {
	return func(v, t any) bool {
		s, okS := v.(string)
		part, okP := t.(string)
		return okS && okP && match(s, part)
	}
}

func member(v, set any) bool {
	values, ok := set.([]any)
	if !ok {
		return false
	}
	for _, candidate := range values {
		if equal(v, candidate) {
			return true
		}
	}
	return false
}

// toFloat64 widens Go numeric types. Strings are not parsed here.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
