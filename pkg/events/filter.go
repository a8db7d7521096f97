package events

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FilterOperator is the comparison applied by a subscription filter.
type FilterOperator string

// Supported filter operators. Unknown operators evaluate to false.
const (
	OpEquals      FilterOperator = "equals"
	OpContains    FilterOperator = "contains"
	OpStartsWith  FilterOperator = "startsWith"
	OpEndsWith    FilterOperator = "endsWith"
	OpGreaterThan FilterOperator = "greaterThan"
	OpLessThan    FilterOperator = "lessThan"
)

// Filter is a structured predicate over an event field. Field is a dotted
// path resolved via Event.Lookup (e.g. "metadata.source", "data.merchantId").
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// Matches evaluates the filter against an event. An unresolvable field path
// or an unknown operator yields false, never an error.
func (f Filter) Matches(e Event) bool {
	v, ok := e.Lookup(f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case OpEquals:
		// Numeric values compare numerically so that 5 matches 5.0 after a
		// JSON round-trip; everything else compares by string form.
		if a, aok := toFloat(v); aok {
			if b, bok := toFloat(f.Value); bok {
				return a == b
			}
		}
		return toString(v) == toString(f.Value)
	case OpContains:
		return strings.Contains(toString(v), toString(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(toString(v), toString(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(toString(v), toString(f.Value))
	case OpGreaterThan:
		a, aok := toFloat(v)
		b, bok := toFloat(f.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(v)
		b, bok := toFloat(f.Value)
		return aok && bok && a < b
	}
	return false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
