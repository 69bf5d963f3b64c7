// internal/rules/cost.go
package rules

import "github.com/sandonleejacobs/rulestream/internal/types"

/*
 * Condition cost estimates.
 *
 * Each condition gets an integer cost at compile time; the conditions of an
 * AND group run cheapest first so a record that fails an exists check never
 * pays for a suffix scan. Costs only order conditions inside one group.
 * Rules always run in priority order.
 *
 *   cost = lookups + op * kind * 8^wildcards
 *
 * lookups charges every named segment of the path and of field_ref. IN pays
 * one extra operator unit per eight listed values.
 */

const (
	costPerKeySegment = 128
	wildcardFanout    = 8
	inValuesPerUnit   = 8
)

var operatorCosts = map[Operator]int{
	OpExists: 1,
	OpIsNull: 1,
	OpEq:     5,
	OpNeq:    5,
	OpLt:     7,
	OpLte:    7,
	OpGt:     7,
	OpGte:    7,
	OpIn:     8,
	OpPrefix: 10,
	OpSuffix: 10,
}

// Comparison overhead by coerced type. Numeric assumes float parsing.
var kindMultipliers = map[FieldType]int{
	FieldTypeBoolean: 1,
	FieldTypeNumeric: 4,
	FieldTypeText:    48,
	FieldTypeAny:     128,
}

// conditionCost estimates the evaluation cost of cond.
func conditionCost(cond *CompiledCondition) int {
	lookups := keySegments(cond.Path) + keySegments(cond.FieldRef)

	op, ok := operatorCosts[cond.Operator]
	if !ok {
		op = operatorCosts[OpEq]
	}
	if cond.Operator == OpIn {
		op += len(cond.Values) / inValuesPerUnit
	}

	mult, ok := kindMultipliers[cond.FieldType]
	if !ok {
		mult = kindMultipliers[FieldTypeAny]
	}

	for _, seg := range cond.Path {
		if seg.Wildcard {
			mult *= wildcardFanout
		}
	}
	return lookups + op*mult
}

func keySegments(path []types.PathSegment) int {
	n := 0
	for _, seg := range path {
		if seg.Key != "" {
			n += costPerKeySegment
		}
	}
	return n
}
