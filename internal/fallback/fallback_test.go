package fallback

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/reunia/facematch/internal/database"
)

func testBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	r.Read(data)
	return data
}

func TestExtractDimensionAndNorm(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"single byte", []byte{42}},
		{"small input", []byte{1, 2, 3, 4, 5}},
		{"jpeg-sized input", testBytes(1, 250_000)},
		{"uniform bytes", bytes.Repeat([]byte{7}, 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vec, err := Extract(tt.data)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if len(vec) != database.EmbeddingDim {
				t.Fatalf("len = %d, want %d", len(vec), database.EmbeddingDim)
			}

			var sum float64
			for _, v := range vec {
				sum += float64(v) * float64(v)
			}
			if math.Abs(math.Sqrt(sum)-1.0) > 1e-4 {
				t.Errorf("L2 norm = %v, want 1.0", math.Sqrt(sum))
			}
		})
	}
}

// Identical input bytes must yield a bit-identical vector: repeated
// submissions of the same photo have to match each other even without the
// primary model.
func TestExtractDeterministic(t *testing.T) {
	data := testBytes(2, 100_000)

	first, err := Extract(data)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	second, err := Extract(data)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("vectors differ at index %d: %v != %v", i, first[i], second[i])
		}
	}
}

func TestExtractDistinguishesInputs(t *testing.T) {
	a, err := Extract(testBytes(3, 50_000))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := Extract(testBytes(4, 50_000))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	sim := database.CosineSimilarity(a, b)
	if sim > 0.999 {
		t.Errorf("different inputs produced near-identical vectors (similarity %v)", sim)
	}
}

func TestExtractEmptyInput(t *testing.T) {
	if _, err := Extract(nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := Extract([]byte{}); err == nil {
		t.Error("expected error for empty slice")
	}
}
