// Package tokenizer provides an encoder-approximate tokenizer for chunk
// sizing. It splits on word, number and punctuation boundaries, which
// tracks the cl100k-family encoders closely enough for window budgeting
// while keeping byte offsets exact.
package tokenizer

import (
	"unicode"
	"unicode/utf8"

	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// WordTokenizer implements driven.Tokenizer over unicode word classes.
// Runs of letters or digits form one token each; every other non-space
// rune is its own token.
type WordTokenizer struct {
	name string
}

// New creates a WordTokenizer with the given name. The name is stored on
// profiles so re-chunking can detect a tokenizer change.
func New(name string) *WordTokenizer {
	if name == "" {
		name = "word-v1"
	}
	return &WordTokenizer{name: name}
}

func (t *WordTokenizer) Name() string {
	return t.name
}

// Count returns the number of tokens in text without allocating the slice.
func (t *WordTokenizer) Count(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				count++
				inWord = true
			}
		default:
			count++
			inWord = false
		}
	}
	return count
}

// Encode splits text into tokens with byte offsets into the source string.
func (t *WordTokenizer) Encode(text string) []driven.Token {
	var tokens []driven.Token
	wordStart := -1

	flush := func(end int) {
		if wordStart >= 0 {
			tokens = append(tokens, driven.Token{
				Text:  text[wordStart:end],
				Start: wordStart,
				End:   end,
			})
			wordStart = -1
		}
	}

	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if wordStart < 0 {
				wordStart = i
			}
		default:
			flush(i)
			end := i + utf8.RuneLen(r)
			tokens = append(tokens, driven.Token{Text: text[i:end], Start: i, End: end})
		}
	}
	flush(len(text))
	return tokens
}
