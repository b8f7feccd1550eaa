package metrics

import (
	"math"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

// conditionOrder maps ordinals to conditions, least severe first.
var conditionOrder = []database.Condition{
	database.ConditionWhite,
	database.ConditionGreen,
	database.ConditionYellow,
	database.ConditionOrange,
	database.ConditionRed,
	database.ConditionDarkred,
	database.ConditionBlack,
}

// ConditionFor classifies an incidence value. The breakpoints are fixed.
func ConditionFor(incidence float64) database.Condition {
	switch {
	case incidence < 0:
		return database.ConditionWhite
	case incidence == 0:
		return database.ConditionGreen
	case incidence >= 150:
		return database.ConditionBlack
	case incidence >= 75:
		return database.ConditionDarkred
	case incidence >= 50:
		return database.ConditionRed
	case incidence >= 35:
		return database.ConditionOrange
	default:
		return database.ConditionYellow
	}
}

// Ordinal returns the severity rank of c, or false if c is not a known condition.
func Ordinal(c database.Condition) (int, bool) {
	for i, known := range conditionOrder {
		if known == c {
			return i, true
		}
	}
	return 0, false
}

// AlertCondition averages the ordinals of conditions and rounds to the nearest rank.
// Unknown names add nothing to the sum but still count toward the divisor.
// ok is false for an empty input.
func AlertCondition(conditions []database.Condition) (database.Condition, bool) {
	if len(conditions) == 0 {
		return "", false
	}

	sum := 0
	for _, c := range conditions {
		if ord, known := Ordinal(c); known {
			sum += ord
		}
	}

	mean := float64(sum) / float64(len(conditions))
	idx := int(math.Round(mean))
	if idx >= len(conditionOrder) {
		idx = len(conditionOrder) - 1
	}
	return conditionOrder[idx], true
}
