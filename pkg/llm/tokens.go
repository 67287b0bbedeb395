package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens with the cl100k_base encoding. tiktoken fetches
// the encoding on first use; when that fails the count falls back to an
// estimate of four characters per token.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(defaultEncoding)
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// fitPassages keeps passages in order until the joined context would exceed
// budget tokens. The first passage is always kept.
func fitPassages(passages []string, separator string, budget int, count func(string) int) []string {
	if budget <= 0 || len(passages) == 0 {
		return passages
	}

	used := count(passages[0])
	sep := count(separator)
	kept := 1
	for _, p := range passages[1:] {
		n := used + sep + count(p)
		if n > budget {
			break
		}
		used = n
		kept++
	}
	return passages[:kept]
}
