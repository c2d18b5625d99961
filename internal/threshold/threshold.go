package threshold

import (
	"fmt"
	"time"
)

// Operator is a threshold comparison operator
type Operator string

const (
	LessThan           Operator = "less_than"
	LessThanOrEqual    Operator = "less_than_or_equal"
	GreaterThan        Operator = "greater_than"
	GreaterThanOrEqual Operator = "greater_than_or_equal"
	Equal              Operator = "equal"
)

// Operators lists every supported operator
var Operators = []Operator{LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, Equal}

// ParseOperator validates an operator name
func ParseOperator(s string) (Operator, error) {
	op := Operator(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown threshold operator %q", s)
	}
	return op, nil
}

// Valid reports whether op is one of the supported operators
func (op Operator) Valid() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, Equal:
		return true
	}
	return false
}

// Phrase returns a human readable form used in email bodies
func (op Operator) Phrase() string {
	switch op {
	case LessThan:
		return "less than"
	case LessThanOrEqual:
		return "less than or equal to"
	case GreaterThan:
		return "greater than"
	case GreaterThanOrEqual:
		return "greater than or equal to"
	case Equal:
		return "equal to"
	default:
		return string(op)
	}
}

// Compare evaluates value <op> threshold. Unknown operators never match.
//
// Equal is exact float equality with no tolerance.
func Compare(value float64, op Operator, threshold float64) bool {
	switch op {
	case LessThan:
		return value < threshold
	case LessThanOrEqual:
		return value <= threshold
	case GreaterThan:
		return value > threshold
	case GreaterThanOrEqual:
		return value >= threshold
	case Equal:
		return value == threshold
	}
	return false
}

// InCooldown reports whether a preference last notified at lastNotified is
// still inside its cooldown window at now. A nil lastNotified is never in
// cooldown.
func InCooldown(lastNotified *time.Time, cooldownHours int, now time.Time) bool {
	if lastNotified == nil {
		return false
	}
	return now.Sub(*lastNotified) < time.Duration(cooldownHours)*time.Hour
}
