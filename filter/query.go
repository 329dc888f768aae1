package filter

import (
	"time"

	"github.com/pablobfonseca/go-meal-vector/models"
)

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Bounds returns the first and last second of the range in loc as unix
// seconds: Start at 00:00:00 and End at 23:59:59.
func (r DateRange) Bounds(loc *time.Location) (int64, int64) {
	if loc == nil {
		loc = time.UTC
	}
	s := r.Start.In(loc)
	e := r.End.In(loc)
	start := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	end := time.Date(e.Year(), e.Month(), e.Day(), 23, 59, 59, 0, loc)
	return start.Unix(), end.Unix()
}

// QuerySpec builds the declarative filter for a search: the owner always,
// plus the day range and meal types when given.
func QuerySpec(ownerID string, dates *DateRange, mealTypes []string, loc *time.Location) map[string]any {
	spec := map[string]any{models.PayloadUserID: ownerID}
	if dates != nil {
		start, end := dates.Bounds(loc)
		spec[models.PayloadTS] = map[string]any{"gte": start, "lte": end}
	}
	if len(mealTypes) > 0 {
		values := make([]any, len(mealTypes))
		for i, m := range mealTypes {
			values[i] = m
		}
		spec[models.PayloadMealType] = map[string]any{"in": values}
	}
	return spec
}
