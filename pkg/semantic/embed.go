package semantic

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dims is the embedding dimensionality.
const Dims = 256

// Embed maps text to an l2-normalized hashed bag-of-words vector. Two
// near-identical posts land on near-identical vectors under cosine
// distance, which is all duplicate detection needs — topical similarity
// between unrelated wordings is not a goal, so no model-based embedder is
// involved.
func Embed(text string) []float32 {
	vec := make([]float32, Dims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%Dims]++
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
