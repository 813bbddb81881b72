package rules

import (
	"errors"
	"fmt"
	"strings"

	"thingrpc/internal/types"
)

// ErrIncomparable is returned when an ordering operator is applied to values
// that have no common order.
var ErrIncomparable = errors.New("values are not comparable")

// ValueOperator compares a live value against the value of a descriptor.
type ValueOperator string

const (
	ValueOperatorEquals         ValueOperator = "ValueOperatorEquals"
	ValueOperatorNotEquals      ValueOperator = "ValueOperatorNotEquals"
	ValueOperatorLess           ValueOperator = "ValueOperatorLess"
	ValueOperatorGreater        ValueOperator = "ValueOperatorGreater"
	ValueOperatorLessOrEqual    ValueOperator = "ValueOperatorLessOrEqual"
	ValueOperatorGreaterOrEqual ValueOperator = "ValueOperatorGreaterOrEqual"
)

var operatorSymbols = map[ValueOperator]string{
	ValueOperatorEquals:         "=",
	ValueOperatorNotEquals:      "!=",
	ValueOperatorLess:           "<",
	ValueOperatorGreater:        ">",
	ValueOperatorLessOrEqual:    "<=",
	ValueOperatorGreaterOrEqual: ">=",
}

// Valid reports whether op is a known operator.
func (op ValueOperator) Valid() bool {
	_, ok := operatorSymbols[op]
	return ok
}

// Symbol returns the infix symbol used when rendering rules.
func (op ValueOperator) Symbol() string {
	if s, ok := operatorSymbols[op]; ok {
		return s
	}
	return "<unknown value operator>"
}

// Compare applies op as "actual op expected". Numbers (including numeric
// strings) compare by value, other strings lexically. Bools only support
// equality.
func (op ValueOperator) Compare(actual, expected any) (bool, error) {
	switch op {
	case ValueOperatorEquals:
		return types.Equal(actual, expected), nil
	case ValueOperatorNotEquals:
		return !types.Equal(actual, expected), nil
	case ValueOperatorLess, ValueOperatorGreater, ValueOperatorLessOrEqual, ValueOperatorGreaterOrEqual:
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}

	var c int
	a, aNum := types.Number(actual)
	b, bNum := types.Number(expected)
	as, aStr := actual.(string)
	bs, bStr := expected.(string)
	switch {
	case aNum && bNum:
		switch {
		case a < b:
			c = -1
		case a > b:
			c = 1
		}
	case aStr && bStr:
		c = strings.Compare(as, bs)
	default:
		return false, fmt.Errorf("%w: %v %s %v", ErrIncomparable, actual, op.Symbol(), expected)
	}

	switch op {
	case ValueOperatorLess:
		return c < 0, nil
	case ValueOperatorGreater:
		return c > 0, nil
	case ValueOperatorLessOrEqual:
		return c <= 0, nil
	default:
		return c >= 0, nil
	}
}

// StateOperator combines the parts of a state evaluator.
type StateOperator string

const (
	StateOperatorAnd StateOperator = "StateOperatorAnd"
	StateOperatorOr  StateOperator = "StateOperatorOr"
)

// Valid reports whether op is a known operator.
func (op StateOperator) Valid() bool {
	return op == StateOperatorAnd || op == StateOperatorOr
}

// Text describes the operator for rule listings.
func (op StateOperator) Text() string {
	switch op {
	case StateOperatorAnd:
		return "(AND) | ALL of the events/states has to be true/emited."
	case StateOperatorOr:
		return "(OR) | ONE of the events/states has to be true/emited."
	default:
		return "<unknown state evaluator>"
	}
}
