package search

import (
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
)

// toMatches keeps the store order and numbers hits from 1.
func toMatches(hits []vectorstore.Hit) []Match {
	out := make([]Match, 0, len(hits))
	for i, h := range hits {
		out = append(out, Match{
			Rank:        i + 1,
			ID:          h.ID,
			Score:       h.Score,
			ImageKey:    models.PayloadString(h.Payload, models.PayloadImageKey),
			Bucket:      models.PayloadString(h.Payload, models.PayloadBucket),
			MealType:    models.PayloadString(h.Payload, models.PayloadMealType),
			MealTime:    models.PayloadString(h.Payload, models.PayloadMealTime),
			Description: models.PayloadString(h.Payload, models.PayloadDescription),
			Payload:     h.Payload,
		})
	}
	return out
}

func resultRows(matches []Match) []models.SearchResultRow {
	rows := make([]models.SearchResultRow, len(matches))
	for i, m := range matches {
		rows[i] = models.SearchResultRow{
			VectorID: m.ID,
			Score:    m.Score,
			Rank:     m.Rank,
			ImageKey: m.ImageKey,
			Bucket:   m.Bucket,
			MealType: m.MealType,
			MealTime: m.MealTime,
		}
	}
	return rows
}
