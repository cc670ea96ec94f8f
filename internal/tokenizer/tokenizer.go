// Package tokenizer provides token counting and truncation for memory content.
package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// EncodingEstimate disables tiktoken and uses the rune estimator only.
const EncodingEstimate = "estimate"

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = "cl100k_base"

// runesPerToken is the ratio used by the estimator.
const runesPerToken = 4

var encodingCache sync.Map

// Tokenizer counts and truncates text with a fixed encoding.
// When the encoding cannot be loaded it falls back to a rune-based estimate,
// and counting and truncation always agree on which mechanism is used.
type Tokenizer struct {
	name string
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// New creates a tokenizer for the named tiktoken encoding.
func New(encoding string) *Tokenizer {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Tokenizer{name: encoding}
}

// Encoding returns the configured encoding name.
func (t *Tokenizer) Encoding() string {
	return t.name
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	enc := t.encoding()
	if enc == nil {
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate returns the longest prefix of text whose token count is <= maxTokens.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if t.Count(text) <= maxTokens {
		return text
	}

	enc := t.encoding()
	if enc == nil {
		return truncateRunes(text, maxTokens*runesPerToken)
	}

	tokens := enc.Encode(text, nil, nil)
	for n := maxTokens; n > 0; n-- {
		out := enc.Decode(tokens[:n])
		// Decoding can split a multi-byte rune; re-encoding the prefix may
		// then yield more tokens than requested.
		if utf8.ValidString(out) && len(enc.Encode(out, nil, nil)) <= maxTokens {
			return out
		}
	}
	return ""
}

func (t *Tokenizer) encoding() *tiktoken.Tiktoken {
	if t.name == EncodingEstimate {
		return nil
	}
	t.once.Do(func() {
		if cached, ok := encodingCache.Load(t.name); ok {
			t.enc = cached.(*tiktoken.Tiktoken)
			return
		}
		enc, err := tiktoken.GetEncoding(t.name)
		if err != nil {
			return
		}
		encodingCache.Store(t.name, enc)
		t.enc = enc
	})
	return t.enc
}

func estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + runesPerToken - 1) / runesPerToken
}

func truncateRunes(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	i := 0
	for pos := range text {
		if i == maxRunes {
			return text[:pos]
		}
		i++
	}
	return text
}
