package filter

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEmpty(t *testing.T) {
	for _, spec := range []map[string]any{nil, {}, {"and": []any{}}, {"and": []any{map[string]any{}}}} {
		f, err := Build(spec)
		require.NoError(t, err)
		assert.Nil(t, f)
		assert.True(t, f.Matches(map[string]any{"anything": 1}))
	}
}

func TestBuildConditions(t *testing.T) {
	f, err := Build(map[string]any{
		"user_id":   "u1",
		"meal_type": map[string]any{"$in": []string{"lunch", "dinner"}},
		"ts":        map[string]any{"gte": 10, "$lte": 20},
		"source":    map[string]any{"eq": "camera"},
	})
	require.NoError(t, err)
	require.Equal(t, 4, f.Len())

	gte, lte := 10.0, 20.0
	assert.Contains(t, f.Must, Eq{Field: "user_id", Value: "u1"})
	assert.Contains(t, f.Must, In{Field: "meal_type", Values: []any{"lunch", "dinner"}})
	assert.Contains(t, f.Must, Range{Field: "ts", Gte: &gte, Lte: &lte})
	assert.Contains(t, f.Must, Eq{Field: "source", Value: "camera"})
}

func TestBuildFlattensAnd(t *testing.T) {
	f, err := Build(map[string]any{
		"user_id": "u1",
		"$and": []any{
			map[string]any{"ts": map[string]any{"gte": 1}},
			map[string]any{"and": []map[string]any{
				{"meal_type": "lunch"},
				{"ts": map[string]any{"lte": 5}},
			}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, f.Len())
	for _, c := range f.Must {
		_, nested := c.(And)
		assert.False(t, nested)
	}
}

func TestBuildRejectsUnknownOperator(t *testing.T) {
	_, err := Build(map[string]any{"ts": map[string]any{"gt": 3}})
	require.Error(t, err)
	assert.True(t, errortypes.IsValidation(err))
	assert.Contains(t, err.Error(), `unknown filter operator "gt"`)
}

func TestBuildRejectsMalformedValues(t *testing.T) {
	cases := map[string]map[string]any{
		"in scalar":     {"meal_type": map[string]any{"in": "lunch"}},
		"in empty":      {"meal_type": map[string]any{"in": []string{}}},
		"gte string":    {"ts": map[string]any{"gte": "yesterday"}},
		"and scalar":    {"and": "x"},
		"and item":      {"and": []any{"x"}},
		"nil literal":   {"user_id": nil},
		"empty field":   {"": "x"},
		"nested reject": {"and": []any{map[string]any{"ts": map[string]any{"ne": 1}}}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(spec)
			require.Error(t, err)
			assert.True(t, errortypes.IsValidation(err))
		})
	}
}

// Every eq, in, gte or lte leaf becomes exactly one condition when no field
// object carries both gte and lte.
func TestLeafCountProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ops := []string{"eq", "in", "gte", "lte", "literal"}

	var gen func(depth int) (map[string]any, int)
	gen = func(depth int) (map[string]any, int) {
		spec := map[string]any{}
		leaves := 0
		for i := 0; i < 1+rng.Intn(3); i++ {
			field := fmt.Sprintf("f%d_%d", depth, i)
			switch op := ops[rng.Intn(len(ops))]; op {
			case "literal":
				spec[field] = "v"
			case "in":
				spec[field] = map[string]any{"in": []any{"a", "b"}}
			case "eq":
				spec[field] = map[string]any{"$eq": 1}
			default:
				spec[field] = map[string]any{op: 3}
			}
			leaves++
		}
		if depth < 3 && rng.Intn(2) == 0 {
			var nested []any
			for j := 0; j < 1+rng.Intn(2); j++ {
				m, n := gen(depth + 1)
				nested = append(nested, m)
				leaves += n
			}
			spec["and"] = nested
		}
		return spec, leaves
	}

	for i := 0; i < 200; i++ {
		spec, want := gen(0)
		f, err := Build(spec)
		require.NoError(t, err)
		assert.Equal(t, want, f.Len(), "%v", spec)
	}
}

func TestMatches(t *testing.T) {
	f, err := Build(map[string]any{
		"user_id":   "u1",
		"meal_type": map[string]any{"in": []any{"lunch"}},
		"ts":        map[string]any{"gte": 100, "lte": 200},
	})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"user_id": "u1", "meal_type": "lunch", "ts": int64(150)}))
	assert.True(t, f.Matches(map[string]any{"user_id": "u1", "meal_type": "lunch", "ts": 200.0}))
	assert.False(t, f.Matches(map[string]any{"user_id": "u2", "meal_type": "lunch", "ts": 150}))
	assert.False(t, f.Matches(map[string]any{"user_id": "u1", "meal_type": "dinner", "ts": 150}))
	assert.False(t, f.Matches(map[string]any{"user_id": "u1", "meal_type": "lunch", "ts": 201}))
	assert.False(t, f.Matches(map[string]any{"user_id": "u1", "meal_type": "lunch"}))
}

func TestNewFlattensNestedAnd(t *testing.T) {
	f := New(Eq{Field: "a", Value: 1}, And{Conditions: []Condition{Eq{Field: "b", Value: 2}, And{}}}, nil)
	require.Equal(t, 2, f.Len())
	assert.Nil(t, New(And{}))
}

func TestQuerySpecForOwnerWeekAndLunch(t *testing.T) {
	dates := &DateRange{
		Start: time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 7, 8, 0, 0, 0, time.UTC),
	}
	f, err := Build(QuerySpec("u1", dates, []string{"lunch"}, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 3, f.Len())

	start := float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	end := float64(time.Date(2024, 1, 7, 23, 59, 59, 0, time.UTC).Unix())
	assert.Contains(t, f.Must, Eq{Field: "user_id", Value: "u1"})
	assert.Contains(t, f.Must, Range{Field: "ts", Gte: &start, Lte: &end})
	assert.Contains(t, f.Must, In{Field: "meal_type", Values: []any{"lunch"}})
	assert.Equal(t, 1704067200.0, start)
	assert.Equal(t, 1704671999.0, end)
}

func TestQuerySpecOwnerOnly(t *testing.T) {
	spec := QuerySpec("u1", nil, nil, nil)
	assert.Equal(t, map[string]any{"user_id": "u1"}, spec)
}

func TestDateRangeBoundsInZone(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	start, end := DateRange{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, loc),
		End:   time.Date(2024, 3, 10, 0, 0, 0, 0, loc),
	}.Bounds(loc)
	assert.Equal(t, time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC).Unix(), start)
	assert.Equal(t, int64(86399), end-start)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "1704067200", ValueString(1704067200.0))
	assert.Equal(t, "1.5", ValueString(1.5))
	assert.Equal(t, "true", ValueString(true))
	assert.Equal(t, "lunch", ValueString("lunch"))
}
