// Package filter turns a declarative filter mapping into a flat conjunction of
// typed conditions that every vector store backend can evaluate.
//
// The accepted mapping is
//
//	{"field": literal}                          equality
//	{"field": {"eq": v, "in": [...], "gte": n, "lte": n}}
//	{"and": [mapping, mapping, ...]}            nested conjunction, flattened
//
// Operator keys may carry a leading "$". Unknown operators are rejected.
package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
)

// Condition is one of Eq, In, Range or And.
type Condition interface {
	// Matches evaluates the condition against a point payload.
	Matches(payload map[string]any) bool
	condition()
}

// Eq requires payload[Field] == Value.
type Eq struct {
	Field string
	Value any
}

// In requires payload[Field] to equal one of Values.
type In struct {
	Field  string
	Values []any
}

// Range requires Gte <= payload[Field] <= Lte. A nil bound is open.
type Range struct {
	Field string
	Gte   *float64
	Lte   *float64
}

// And requires every nested condition.
type And struct {
	Conditions []Condition
}

func (Eq) condition()    {}
func (In) condition()    {}
func (Range) condition() {}
func (And) condition()   {}

func (c Eq) Matches(payload map[string]any) bool {
	v, ok := payload[c.Field]
	return ok && equal(v, c.Value)
}

func (c In) Matches(payload map[string]any) bool {
	v, ok := payload[c.Field]
	if !ok {
		return false
	}
	for _, want := range c.Values {
		if equal(v, want) {
			return true
		}
	}
	return false
}

func (c Range) Matches(payload map[string]any) bool {
	n, ok := toFloat(payload[c.Field])
	if !ok {
		return false
	}
	if c.Gte != nil && n < *c.Gte {
		return false
	}
	if c.Lte != nil && n > *c.Lte {
		return false
	}
	return true
}

func (c And) Matches(payload map[string]any) bool {
	for _, cond := range c.Conditions {
		if !cond.Matches(payload) {
			return false
		}
	}
	return true
}

// Filter is a conjunction of leaf conditions (Eq, In, Range). A nil *Filter
// matches everything.
type Filter struct {
	Must []Condition
}

// Len returns the number of leaf conditions.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Must)
}

// Matches reports whether payload satisfies every condition.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	return And{Conditions: f.Must}.Matches(payload)
}

// New flattens conds into a Filter. It returns nil when nothing remains.
func New(conds ...Condition) *Filter {
	var leaves []Condition
	for _, c := range conds {
		leaves = appendLeaves(leaves, c)
	}
	if len(leaves) == 0 {
		return nil
	}
	return &Filter{Must: leaves}
}

func appendLeaves(dst []Condition, c Condition) []Condition {
	switch v := c.(type) {
	case nil:
		return dst
	case And:
		for _, inner := range v.Conditions {
			dst = appendLeaves(dst, inner)
		}
		return dst
	case *And:
		if v == nil {
			return dst
		}
		return appendLeaves(dst, *v)
	default:
		return append(dst, c)
	}
}

const keyAnd = "and"

// Build parses a declarative filter mapping. An empty mapping, or one with no
// conditions, yields a nil Filter and no error.
func Build(spec map[string]any) (*Filter, error) {
	cond, err := parse(spec)
	if err != nil {
		return nil, err
	}
	return New(cond), nil
}

func parse(spec map[string]any) (Condition, error) {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out And
	for _, key := range keys {
		value := spec[key]
		if opName(key) == keyAnd {
			nested, err := parseAnd(value)
			if err != nil {
				return nil, err
			}
			out.Conditions = append(out.Conditions, nested...)
			continue
		}
		if key == "" {
			return nil, errortypes.Validation("filter field name is empty")
		}
		conds, err := parseField(key, value)
		if err != nil {
			return nil, err
		}
		out.Conditions = append(out.Conditions, conds...)
	}
	return out, nil
}

func parseAnd(value any) ([]Condition, error) {
	var items []map[string]any
	switch v := value.(type) {
	case []map[string]any:
		items = v
	case []any:
		for i, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, errortypes.Validation(fmt.Sprintf("and[%d] must be a mapping, got %T", i, raw))
			}
			items = append(items, m)
		}
	default:
		return nil, errortypes.Validation(fmt.Sprintf("and must be a list of mappings, got %T", value))
	}

	conds := make([]Condition, 0, len(items))
	for _, m := range items {
		c, err := parse(m)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func parseField(field string, value any) ([]Condition, error) {
	ops, isOps := value.(map[string]any)
	if !isOps {
		if value == nil {
			return nil, errortypes.Validation(fmt.Sprintf("filter on %q has a nil value", field))
		}
		return []Condition{Eq{Field: field, Value: value}}, nil
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	var conds []Condition
	var rng *Range
	for _, name := range names {
		raw := ops[name]
		switch opName(name) {
		case "eq":
			if raw == nil {
				return nil, errortypes.Validation(fmt.Sprintf("eq on %q has a nil value", field))
			}
			conds = append(conds, Eq{Field: field, Value: raw})
		case "in":
			values, err := toSlice(raw)
			if err != nil {
				return nil, errortypes.Validation(fmt.Sprintf("in on %q: %v", field, err))
			}
			conds = append(conds, In{Field: field, Values: values})
		case "gte", "lte":
			n, ok := toFloat(raw)
			if !ok {
				return nil, errortypes.Validation(fmt.Sprintf("%s on %q must be numeric or a time, got %T", opName(name), field, raw))
			}
			if rng == nil {
				rng = &Range{Field: field}
			}
			if opName(name) == "gte" {
				rng.Gte = &n
			} else {
				rng.Lte = &n
			}
		default:
			return nil, errortypes.Validation(fmt.Sprintf("unknown filter operator %q on %q", name, field)).
				WithField("operator", name)
		}
	}
	if rng != nil {
		conds = append(conds, *rng)
	}
	return conds, nil
}

func opName(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, "$"))
}

func toSlice(raw any) ([]any, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil set")
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
	if rv.Len() == 0 {
		return nil, fmt.Errorf("empty set")
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case time.Time:
		return float64(n.Unix()), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return ValueString(a) == ValueString(b)
}

// ValueString renders a scalar the way Postgres renders payload->>'field'.
func ValueString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
