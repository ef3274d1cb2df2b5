// Package fallback produces embeddings directly from raw image bytes when the
// recognition service is unreachable. The vectors are far weaker than model
// embeddings, but they are deterministic: identical bytes always yield a
// bit-identical vector, so repeated submissions of the same photo still match
// each other. Every result still passes through mandatory human review.
package fallback

import (
	"errors"
	"math"

	"github.com/reunia/facematch/internal/database"
)

// phaseDim is the length of each sampling phase. Four phases concatenate to
// database.EmbeddingDim.
const phaseDim = database.EmbeddingDim / 4

// ErrEmptyInput is returned when there are no bytes to sample.
var ErrEmptyInput = errors.New("fallback: empty input")

// Extract derives a 512-dimension L2-normalized vector from raw bytes using
// four sampling phases: direct byte samples, windowed averages, adjacent
// gradients, and block-wise variance. Uses integer stride arithmetic only, so
// the result is bit-identical across platforms.
func Extract(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	vec := make([]float32, 0, database.EmbeddingDim)
	vec = append(vec, directSamples(data)...)
	vec = append(vec, windowedAverages(data)...)
	vec = append(vec, gradients(data)...)
	vec = append(vec, blockVariances(data)...)

	normalize(vec)
	return vec, nil
}

// directSamples picks phaseDim evenly-strided bytes scaled to [0, 1].
func directSamples(data []byte) []float32 {
	out := make([]float32, phaseDim)
	for i := 0; i < phaseDim; i++ {
		idx := i * len(data) / phaseDim
		out[i] = float32(data[idx]) / 255.0
	}
	return out
}

// windowedAverages takes the mean over phaseDim contiguous windows.
func windowedAverages(data []byte) []float32 {
	out := make([]float32, phaseDim)
	for i := 0; i < phaseDim; i++ {
		start := i * len(data) / phaseDim
		end := (i + 1) * len(data) / phaseDim
		if end <= start {
			end = start + 1
		}
		var sum int
		for j := start; j < end && j < len(data); j++ {
			sum += int(data[j])
		}
		out[i] = float32(sum) / float32(end-start) / 255.0
	}
	return out
}

// gradients captures the signed difference between adjacent strided samples,
// scaled to [-1, 1].
func gradients(data []byte) []float32 {
	out := make([]float32, phaseDim)
	for i := 0; i < phaseDim; i++ {
		idx := i * len(data) / phaseDim
		next := (i + 1) * len(data) / phaseDim
		if next >= len(data) {
			next = len(data) - 1
		}
		out[i] = (float32(data[next]) - float32(data[idx])) / 255.0
	}
	return out
}

// blockVariances measures the population variance of phaseDim contiguous
// blocks, scaled by the maximum possible byte variance.
func blockVariances(data []byte) []float32 {
	// max variance for values in [0, 255] is (255/2)^2
	const maxVariance = 127.5 * 127.5

	out := make([]float32, phaseDim)
	for i := 0; i < phaseDim; i++ {
		start := i * len(data) / phaseDim
		end := (i + 1) * len(data) / phaseDim
		if end <= start {
			end = start + 1
		}
		if end > len(data) {
			end = len(data)
		}
		n := float64(end - start)

		var sum float64
		for j := start; j < end; j++ {
			sum += float64(data[j])
		}
		mean := sum / n

		var sq float64
		for j := start; j < end; j++ {
			d := float64(data[j]) - mean
			sq += d * d
		}
		out[i] = float32(sq / n / maxVariance)
	}
	return out
}

// normalize scales the vector to unit L2 norm in place. A zero vector is left
// untouched rather than divided by zero.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
