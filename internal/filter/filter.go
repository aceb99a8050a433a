// Package filter implements the predicate vocabulary shared by audience
// segments and automation conditions.
package filter

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

var operators = map[Operator]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpContains:    true,
	OpNotContains: true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpIn:          true,
	OpNotIn:       true,
}

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Valid reports whether op belongs to the vocabulary.
func (op Operator) Valid() bool {
	return operators[op]
}

// Validate checks the shape of a list of conditions.
func Validate(conds []Condition) error {
	for i, c := range conds {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		if (c.Operator == OpIn || c.Operator == OpNotIn) && toSlice(c.Value) == nil {
			return fmt.Errorf("condition %d: operator %s requires a list value", i, c.Operator)
		}
	}
	return nil
}

// Lookup resolves a field name to a value. ok is false when the field is absent.
type Lookup func(field string) (value any, ok bool)

// MapLookup resolves fields from a flat map. Dotted names descend into nested maps.
func MapLookup(m map[string]any) Lookup {
	return func(field string) (any, bool) {
		if v, ok := m[field]; ok {
			return v, true
		}
		parts := strings.Split(field, ".")
		var cur any = m
		for _, p := range parts {
			next, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = next[p]
			if !ok {
				return nil, false
			}
		}
		return cur, true
	}
}

// MatchAll reports whether every condition holds. An empty list matches.
func MatchAll(conds []Condition, lookup Lookup) bool {
	for _, c := range conds {
		if !Match(c, lookup) {
			return false
		}
	}
	return true
}

// Match evaluates one condition. A missing field only satisfies the negative
// operators (not_equals, not_contains, not_in).
func Match(c Condition, lookup Lookup) bool {
	actual, ok := lookup(c.Field)
	if !ok || actual == nil {
		switch c.Operator {
		case OpNotEquals, OpNotContains, OpNotIn:
			return true
		}
		return false
	}

	switch c.Operator {
	case OpEquals:
		return equal(actual, c.Value)
	case OpNotEquals:
		return !equal(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		return !contains(actual, c.Value)
	case OpGreaterThan:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp < 0
	case OpIn:
		return in(actual, c.Value)
	case OpNotIn:
		return !in(actual, c.Value)
	}
	return false
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := toBool(b); bok {
			return ab == bb
		}
	}
	return strings.EqualFold(toString(a), toString(b))
}

// contains does a case-insensitive substring match on scalars and a
// membership test on lists (e.g. tags).
func contains(actual, want any) bool {
	if items := toSlice(actual); items != nil {
		for _, item := range items {
			if equal(item, want) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(toString(want)))
}

func in(actual, list any) bool {
	items := toSlice(list)
	if actualItems := toSlice(actual); actualItems != nil {
		for _, a := range actualItems {
			for _, item := range items {
				if equal(a, item) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

// compare orders numbers numerically, timestamps chronologically and
// everything else lexically.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af > bf:
			return 1, true
		case af < bf:
			return -1, true
		}
		return 0, true
	}
	if at, ok := toTime(a); ok {
		bt, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	return strings.Compare(toString(a), toString(b)), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	case string, nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
