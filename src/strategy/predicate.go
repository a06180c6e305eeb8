package strategy

import (
	"github.com/shopspring/decimal"

	"pumpengine/src/model"
)

// Holds evaluates a single rule against an indicator value.
func Holds(rule model.Rule, value decimal.Decimal) bool {
	switch rule.Comparator {
	case model.ComparatorGT:
		return value.GreaterThan(rule.Threshold)
	case model.ComparatorGE:
		return value.GreaterThanOrEqual(rule.Threshold)
	case model.ComparatorLT:
		return value.LessThan(rule.Threshold)
	case model.ComparatorLE:
		return value.LessThanOrEqual(rule.Threshold)
	case model.ComparatorEQ:
		return value.Equal(rule.Threshold)
	default:
		return false
	}
}

// AllHold reports whether every rule holds against the current indicator
// values. A rule whose indicator has no value yet fails. An empty rule
// set never fires: a stage with no rules is considered disabled.
func AllHold(rules []model.Rule, values map[string]decimal.Decimal) bool {
	if len(rules) == 0 {
		return false
	}
	for _, rule := range rules {
		value, ok := values[rule.Indicator]
		if !ok || !Holds(rule, value) {
			return false
		}
	}
	return true
}
