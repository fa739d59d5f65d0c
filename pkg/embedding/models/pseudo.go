// Package models contains the embedding model implementations used by the
// pipeline's fallback chain: remote APIs (OpenAI, Bedrock) and the
// deterministic pseudo model of last resort.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// PseudoModelName tags vectors produced by the deterministic fallback so
// callers can find and reprocess them once a real model is reachable.
const PseudoModelName = "pseudo-v1"

// PseudoModel maps text deterministically onto a unit vector. It exists so
// ingestion never blocks permanently on model outages; its output carries
// no semantic signal and must stay tagged in memory metadata.
type PseudoModel struct {
	dimensions int
}

// NewPseudoModel creates a PseudoModel with the given output dimension.
func NewPseudoModel(dimensions int) *PseudoModel {
	return &PseudoModel{dimensions: dimensions}
}

// Name implements embedding.Model
func (m *PseudoModel) Name() string { return PseudoModelName }

// Fallback marks vectors from this model as non-semantic so the pipeline
// tags them for later reprocessing.
func (m *PseudoModel) Fallback() bool { return true }

// Dimensions implements embedding.Model
func (m *PseudoModel) Dimensions() int { return m.dimensions }

// Embed implements embedding.Model. The same text always yields the same
// vector: the SHA-256 of the text seeds a counter-mode expansion, each
// 4-byte block becomes one component in [-1,1], and the result is scaled
// to unit length.
func (m *PseudoModel) Embed(ctx context.Context, text string) ([]float32, error) {
	seed := sha256.Sum256([]byte(text))

	vec := make([]float32, m.dimensions)
	var block [40]byte
	copy(block[:32], seed[:])

	i := 0
	for counter := uint64(0); i < m.dimensions; counter++ {
		binary.BigEndian.PutUint64(block[32:], counter)
		digest := sha256.Sum256(block[:])
		for off := 0; off+4 <= len(digest) && i < m.dimensions; off += 4 {
			u := binary.BigEndian.Uint32(digest[off : off+4])
			vec[i] = float32(u)/float32(math.MaxUint32)*2 - 1
			i++
		}
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch implements embedding.Model
func (m *PseudoModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
