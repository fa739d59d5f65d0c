package memory

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmbedding(t *testing.T) {
	tests := []struct {
		name      string
		embedding []float32
		dim       int
		wantErr   error
	}{
		{
			name:      "valid",
			embedding: []float32{0.1, 0.2, 0.3},
			dim:       3,
		},
		{
			name:      "wrong dimension",
			embedding: []float32{0.1, 0.2},
			dim:       3,
			wantErr:   ErrInvalidDimension,
		},
		{
			name:      "nil embedding",
			embedding: nil,
			dim:       3,
			wantErr:   ErrInvalidDimension,
		},
		{
			name:      "NaN component",
			embedding: []float32{0.1, float32(math.NaN()), 0.3},
			dim:       3,
			wantErr:   ErrInvalidEmbedding,
		},
		{
			name:      "Inf component",
			embedding: []float32{float32(math.Inf(1)), 0.2, 0.3},
			dim:       3,
			wantErr:   ErrInvalidEmbedding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmbedding(tt.embedding, tt.dim)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors score 1", func(t *testing.T) {
		v := []float32{0.5, 0.5, 0.7}
		sim, err := CosineSimilarity(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-6)
	})

	t.Run("orthogonal vectors score 0", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.0, sim, 1e-6)
	})

	t.Run("scaling does not change similarity", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{2, 4, 6}
		sim, err := CosineSimilarity(a, b)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-6)
	})

	t.Run("dimension mismatch is an error", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
		assert.ErrorIs(t, err, ErrInvalidDimension)
	})

	t.Run("empty vectors are an error", func(t *testing.T) {
		_, err := CosineSimilarity(nil, []float32{1})
		assert.ErrorIs(t, err, ErrInvalidEmbedding)
	})
}

func TestNormalizeVectorL2(t *testing.T) {
	normalized := NormalizeVectorL2([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(normalized[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(normalized[1]), 1e-6)

	// Zero vector passes through untouched
	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, NormalizeVectorL2(zero))
}

func TestFormatParseVectorRoundTrip(t *testing.T) {
	original := []float32{0.125, -1.5, 2}
	parsed, err := ParseVector(FormatVector(original))
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseVectorMalformed(t *testing.T) {
	for _, input := range []string{"", "0.1,0.2", "[0.1,zzz]", "[0.1"} {
		_, err := ParseVector(input)
		assert.Error(t, err, "input %q", input)
	}

	empty, err := ParseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryClone(t *testing.T) {
	mem := &Memory{
		Content:   "original",
		Embedding: []float32{1, 2},
		Metadata:  map[string]interface{}{"k": "v"},
	}
	clone := mem.Clone()
	clone.Embedding[0] = 9
	clone.SetMetadata("k", "changed")

	assert.Equal(t, float32(1), mem.Embedding[0])
	assert.Equal(t, "v", mem.Metadata["k"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"not found", ErrNotFound, KindNotFound},
		{"unavailable", ErrUnavailable, KindUnavailable},
		{"out of range", ErrOutOfRange, KindOutOfRange},
		{"empty content", ErrEmptyContent, KindInvalidInput},
		{"dimension mismatch", ErrInvalidDimension, KindInvalidInput},
		{"embedding failed", ErrEmbeddingFailed, KindEmbeddingFailed},
		{"wrapped store error keeps kind", NewStoreError(KindUnavailable, "store", "postgres", ErrNotFound), KindUnavailable},
		{"unknown is internal", assert.AnError, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
