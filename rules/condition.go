package rules

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// Comparison operators of field conditions.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpBetween  = "between"
	OpContains = "contains"
	OpEmpty    = "empty"
	OpNotEmpty = "not_empty"
)

var (
	ErrUnknownOperator  = errors.New("unknown condition operator")
	ErrUnknownCondition = errors.New("unknown condition type")
	ErrMissingField     = errors.New("condition field is empty")
	ErrBadOperands      = errors.New("wrong number of operands")
	ErrEmptyExpression  = errors.New("condition expression is empty")
)

// operatorExprs are evaluated with "field", "value", "list", "lo" and "hi" bound.
// The names must not shadow expr builtins such as min, max or values.
var operatorExprs = map[string]string{
	OpEq:       "field == value",
	OpNe:       "field != value",
	OpGt:       "field > value",
	OpGte:      "field >= value",
	OpLt:       "field < value",
	OpLte:      "field <= value",
	OpIn:       "field in list",
	OpNotIn:    "!(field in list)",
	OpBetween:  "(lo == nil || field >= lo) && (hi == nil || field <= hi)",
	OpContains: "field contains value",
	OpEmpty:    "field == nil || field == ''",
	OpNotEmpty: "field != nil && field != ''",
}

// containsListExpr replaces the contains expression when the field is a list.
const containsListExpr = "value in field"

// ordered operators need a comparable operand; a missing field never matches them.
var orderedOps = map[string]bool{
	OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpBetween: true, OpContains: true,
}

// Matcher decides route conditions against an instance's business payload.
type Matcher struct {
	evaluator Evaluator
}

// NewMatcher creates a Matcher. A nil evaluator falls back to a fresh ExprEvaluator.
func NewMatcher(evaluator Evaluator) *Matcher {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	return &Matcher{evaluator: evaluator}
}

// Match reports whether a route with the given condition type is satisfied.
func (m *Matcher) Match(conditionType string, cond types.RouteCondition, payload map[string]interface{}) (bool, error) {
	switch conditionType {
	case "", types.ConditionAlways:
		return true, nil
	case types.ConditionExpression:
		env := make(map[string]interface{}, len(payload)+1)
		for k, v := range payload {
			env[k] = v
		}
		env["payload"] = payload
		return m.evaluator.Evaluate(cond.Expression, env)
	case types.ConditionField:
		return m.matchField(cond, payload)
	default:
		return false, errors.Wrapf(ErrUnknownCondition, "%q", conditionType)
	}
}

// Validate checks a route condition without evaluating it. Expressions are
// compiled when the evaluator is an *ExprEvaluator.
func (m *Matcher) Validate(conditionType string, cond types.RouteCondition) error {
	switch conditionType {
	case "", types.ConditionAlways:
		return nil
	case types.ConditionExpression:
		if strings.TrimSpace(cond.Expression) == "" {
			return ErrEmptyExpression
		}
		if ev, ok := m.evaluator.(*ExprEvaluator); ok {
			if _, err := ev.program(cond.Expression); err != nil {
				return err
			}
		}
		return nil
	case types.ConditionField:
		if cond.Field == "" {
			return ErrMissingField
		}
		expression, ok := operatorExprs[cond.Operator]
		if !ok {
			return errors.Wrapf(ErrUnknownOperator, "%q", cond.Operator)
		}
		if cond.Operator == OpBetween && len(cond.Values) != 2 {
			return errors.Wrapf(ErrBadOperands, "between takes [min, max], got %d values", len(cond.Values))
		}
		if ev, ok := m.evaluator.(*ExprEvaluator); ok {
			if _, err := ev.program(expression); err != nil {
				return errors.Wrapf(err, "operator %s", cond.Operator)
			}
			if cond.Operator == OpContains {
				if _, err := ev.program(containsListExpr); err != nil {
					return errors.Wrapf(err, "operator %s", cond.Operator)
				}
			}
		}
		return nil
	default:
		return errors.Wrapf(ErrUnknownCondition, "%q", conditionType)
	}
}

func (m *Matcher) matchField(cond types.RouteCondition, payload map[string]interface{}) (bool, error) {
	if cond.Field == "" {
		return false, ErrMissingField
	}
	expression, ok := operatorExprs[cond.Operator]
	if !ok {
		return false, errors.Wrapf(ErrUnknownOperator, "%q", cond.Operator)
	}

	raw, found := Lookup(payload, cond.Field)
	if !found && orderedOps[cond.Operator] {
		return false, nil
	}
	field := normalize(raw)
	value := normalize(cond.Value)
	values := make([]interface{}, 0, len(cond.Values))
	for _, v := range cond.Values {
		values = append(values, normalize(v))
	}

	env := map[string]interface{}{"lo": nil, "hi": nil}

	switch cond.Operator {
	case OpGt, OpGte, OpLt, OpLte:
		fn, fok := ToNumber(field)
		vn, vok := ToNumber(value)
		_, fstr := field.(string)
		_, vstr := value.(string)
		switch {
		case fok && vok:
			field, value = fn, vn
		case !(fstr && vstr):
			return false, nil
		}
	case OpBetween:
		fn, fok := ToNumber(field)
		if !fok {
			return false, nil
		}
		field = fn
		if len(values) > 0 {
			env["lo"] = toNumberOrNil(values[0])
		}
		if len(values) > 1 {
			env["hi"] = toNumberOrNil(values[1])
		}
	case OpContains:
		switch field.(type) {
		case []interface{}:
			expression = containsListExpr
		case string:
			if _, isStr := value.(string); !isStr {
				return false, nil
			}
		default:
			return false, nil
		}
	case OpEq, OpNe, OpIn, OpNotIn:
		if s, isStr := field.(string); isStr && (anyNumber(values) || anyNumber([]interface{}{value})) {
			if n, ok := ToNumber(s); ok {
				field = n
			}
		}
		if _, isNum := field.(float64); isNum {
			value = coerceNumber(value)
			for i, v := range values {
				values[i] = coerceNumber(v)
			}
		}
	}

	env["field"] = field
	env["value"] = value
	env["list"] = values

	result, err := m.evaluator.Evaluate(expression, env)
	if err != nil {
		return false, errors.Wrapf(err, "condition %s %s", cond.Field, cond.Operator)
	}
	return result, nil
}

// InRange reports whether the numeric payload field lies within [min, max].
// Nil bounds are open. With any bound set, a missing or non-numeric field does not match.
func InRange(payload map[string]interface{}, field string, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	raw, ok := Lookup(payload, field)
	if !ok {
		return false
	}
	n, ok := ToNumber(raw)
	if !ok {
		return false
	}
	if min != nil && n < *min {
		return false
	}
	if max != nil && n > *max {
		return false
	}
	return true
}

// Lookup resolves a dot separated path ("customer.level") inside a payload.
func Lookup(payload map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ToNumber converts numeric kinds and numeric strings to float64.
func ToNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// normalize turns every numeric kind into float64 so mixed int/float payloads compare.
func normalize(v interface{}) interface{} {
	if _, isStr := v.(string); isStr {
		return v
	}
	if n, ok := ToNumber(v); ok {
		return n
	}
	return v
}

// coerceNumber converts numeric strings to numbers and leaves everything else alone.
func coerceNumber(v interface{}) interface{} {
	if n, ok := ToNumber(v); ok {
		return n
	}
	return v
}

func anyNumber(values []interface{}) bool {
	for _, v := range values {
		if _, isNum := v.(float64); isNum {
			return true
		}
	}
	return false
}

func toNumberOrNil(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if n, ok := ToNumber(v); ok {
		return n
	}
	return nil
}
