package vectorstore

import (
	"testing"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
}

func TestCheckDimension(t *testing.T) {
	assert.NoError(t, CheckDimension("plates", 3, 3))
	err := CheckDimension("plates", 3, 4)
	assert.True(t, errortypes.IsConfiguration(err))
	assert.Contains(t, err.Error(), "vector dimension 4 does not match collection dimension 3")
}

func TestNotFoundErrors(t *testing.T) {
	assert.True(t, errortypes.IsNotFound(CollectionNotFound("x")))
	assert.True(t, errortypes.IsNotFound(PointNotFound("x", "id")))
}
