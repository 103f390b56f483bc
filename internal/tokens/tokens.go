package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates how many tokens a piece of text costs.
type Counter interface {
	Count(text string) int
}

// Heuristic approximates tokens as ceil(chars/4). It is used whenever no
// tokenizer is available.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

type Tiktoken struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktoken loads a BPE encoding, cl100k_base when name is empty. Loading may
// need network access to fetch the rank file.
func NewTiktoken(name string) (*Tiktoken, error) {
	if name == "" {
		name = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", name, err)
	}
	return &Tiktoken{encoding: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// Load returns a tiktoken counter, or the heuristic when the encoding cannot be
// loaded. The returned error is informational.
func Load(name string) (Counter, error) {
	t, err := NewTiktoken(name)
	if err != nil {
		return Heuristic{}, err
	}
	return t, nil
}
