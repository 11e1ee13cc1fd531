// Package strategy evaluates user-defined trading rules against market
// snapshots. Rules are conjunctions of indicator comparisons; the indicator
// values come from sources registered in a Registry.
package strategy

import (
	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// Compare applies op to (value, threshold). Unknown operators are false.
func Compare(value decimal.Decimal, op domain.Operator, threshold decimal.Decimal) bool {
	switch op {
	case domain.OpGreater:
		return value.GreaterThan(threshold)
	case domain.OpLess:
		return value.LessThan(threshold)
	case domain.OpGreaterEqual:
		return value.GreaterThanOrEqual(threshold)
	case domain.OpLessEqual:
		return value.LessThanOrEqual(threshold)
	case domain.OpEqual:
		return value.Equal(threshold)
	}
	return false
}

// Evaluate reports whether every condition holds against snap. A condition
// on an indicator missing from snap is false, and so is an empty rule.
func Evaluate(conditions []domain.Condition, snap domain.MarketSnapshot) bool {
	if len(conditions) == 0 {
		return false
	}
	for _, c := range conditions {
		v, ok := snap[c.Indicator]
		if !ok || !Compare(v, c.Operator, c.Value) {
			return false
		}
	}
	return true
}

// Indicators returns the distinct indicators a rule set references.
func Indicators(conditions []domain.Condition) []domain.Indicator {
	seen := make(map[domain.Indicator]bool, len(conditions))
	out := make([]domain.Indicator, 0, len(conditions))
	for _, c := range conditions {
		if !seen[c.Indicator] {
			seen[c.Indicator] = true
			out = append(out, c.Indicator)
		}
	}
	return out
}
