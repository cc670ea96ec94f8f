package tokenizer

import (
	"strings"
	"testing"
)

func TestEstimateCount(t *testing.T) {
	tok := New(EncodingEstimate)

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"devolução", 3},
	}
	for _, tt := range tests {
		if got := tok.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimateTruncate(t *testing.T) {
	tok := New(EncodingEstimate)
	text := strings.Repeat("política de devolução ", 40)

	for _, max := range []int{1, 5, 17, 64} {
		out := tok.Truncate(text, max)
		if got := tok.Count(out); got > max {
			t.Errorf("Count(Truncate(text, %d)) = %d, want <= %d", max, got, max)
		}
		if !strings.HasPrefix(text, out) {
			t.Errorf("Truncate(text, %d) is not a prefix", max)
		}
	}
}

func TestTruncateShortTextUnchanged(t *testing.T) {
	tok := New(EncodingEstimate)
	if got := tok.Truncate("short", 100); got != "short" {
		t.Errorf("Truncate() = %q, want unchanged", got)
	}
	if got := tok.Truncate("short", 0); got != "" {
		t.Errorf("Truncate(text, 0) = %q, want empty", got)
	}
}

func TestNewDefaultsEncoding(t *testing.T) {
	if got := New("").Encoding(); got != DefaultEncoding {
		t.Errorf("Encoding() = %q, want %q", got, DefaultEncoding)
	}
}
