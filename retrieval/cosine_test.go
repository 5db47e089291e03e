package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarityProperties(t *testing.T) {
	v := []float32{0.3, -1.2, 4, 0.01}
	neg := make([]float32, len(v))
	for i, x := range v {
		neg[i] = -x
	}
	w := []float32{2, 0.5, -1, 3}

	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(v, neg), 1e-9)
	assert.Equal(t, CosineSimilarity(v, w), CosineSimilarity(w, v))
}

func TestCosineSimilarityDegenerateInputs(t *testing.T) {
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2}))
}

func TestExtractKeywords(t *testing.T) {
	assert.Equal(t, []string{"average", "spending", "customer"}, ExtractKeywords("What is the average spending by customer?"))
	assert.Equal(t, []string{"revenue", "region"}, ExtractKeywords("Revenue, revenue... by REGION!"))
	assert.Empty(t, ExtractKeywords("is it ok?"))
}
