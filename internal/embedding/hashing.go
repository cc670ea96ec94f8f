package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// HashModelName identifies vectors produced by HashEmbedder.
const HashModelName = "sicc-feature-hash-v1"

const (
	wordWeight    = 1.0
	trigramWeight = 0.5
)

// HashEmbedder produces deterministic vectors with signed feature hashing over
// word unigrams and character trigrams. Text is accent and case folded first,
// so "devolução" and "Devolucao" share features. It needs no model download
// and is the default when no embedding endpoint is configured.
type HashEmbedder struct {
	dimension int
	model     string
}

// NewHashEmbedder creates a feature-hash embedder. A non-positive dimension
// selects DefaultDimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HashEmbedder{dimension: dimension, model: HashModelName}
}

// Embed generates the vector for text. Text without features maps to the zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

// EmbedBatch embeds each text independently.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

// Model returns the model identifier.
func (e *HashEmbedder) Model() string {
	return e.model
}

// Dimension returns the vector width.
func (e *HashEmbedder) Dimension() int {
	return e.dimension
}

func (e *HashEmbedder) vector(text string) []float32 {
	acc := make([]float64, e.dimension)
	for _, word := range Terms(text) {
		e.add(acc, "w:"+word, wordWeight)
		padded := []rune("^" + word + "$")
		for i := 0; i+3 <= len(padded); i++ {
			e.add(acc, "t:"+string(padded[i:i+3]), trigramWeight)
		}
	}

	var sum float64
	for _, v := range acc {
		sum += v * v
	}
	vec := make([]float32, e.dimension)
	if sum == 0 {
		return vec
	}
	n := math.Sqrt(sum)
	for i, v := range acc {
		vec[i] = float32(v / n)
	}
	return vec
}

func (e *HashEmbedder) add(acc []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := sum % uint64(e.dimension)
	if sum>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}

// Terms returns the folded, stop-word filtered and stemmed terms of text.
// The analyzer reuses it to derive trigger keywords.
func Terms(text string) []string {
	words := strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, stem(w))
	}
	return out
}

// Fold removes diacritics and applies Unicode case folding.
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	return cases.Fold().String(folded)
}

func stem(w string) string {
	n := len(w)
	switch {
	case n > 5 && strings.HasSuffix(w, "coes"):
		return w[:n-4] + "cao"
	case n > 4 && strings.HasSuffix(w, "ies"):
		return w[:n-3] + "y"
	case n > 5 && strings.HasSuffix(w, "ing"):
		return w[:n-3]
	case n > 5 && strings.HasSuffix(w, "ed"):
		return w[:n-2]
	case n > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:n-1]
	}
	return w
}

// English and Portuguese function words, already folded.
var stopWords = toSet(`a an the is are was were be been to of and or in on at for with within
what which who how do does did i you we it its this that these those my your our me can will
would about from by as if so have has had please there here
o os as um uma de do da dos das e em no na nos nas para por com que qual quais se eu voce meu
minha seu sua ser sao ao aos como mais mas`)

func toSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}
