// Package tokens estimates how many model tokens a piece of text consumes.
package tokens

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts approximate tokens. Implementations must be deterministic.
type Estimator interface {
	Count(text string) int
}

// Heuristic estimates one token per four characters, rounded up.
type Heuristic struct{}

// Count implements Estimator.
func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Tiktoken counts tokens with a BPE encoding. Loading an encoding downloads its
// vocabulary unless TIKTOKEN_CACHE_DIR already holds it.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, e.g. "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokens: load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Estimator.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Names of the supported estimators.
const (
	KindHeuristic = "heuristic"
	KindTiktoken  = "tiktoken"
)

// New returns the estimator named by kind. A tiktoken encoding that cannot be loaded
// falls back to the heuristic so a missing vocabulary never prevents startup.
func New(kind string, logger *slog.Logger) Estimator {
	if kind != KindTiktoken {
		return Heuristic{}
	}
	tk, err := NewTiktoken("cl100k_base")
	if err != nil {
		logger.Warn("tokens: tiktoken unavailable, using heuristic", slog.String("error", err.Error()))
		return Heuristic{}
	}
	return tk
}

// Truncate returns the longest rune prefix of text whose estimate fits in maxTokens.
func Truncate(e Estimator, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if e.Count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if e.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
