package keyword

import (
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis/tokenizer/character"
)

var whitespaceTokenizer = character.NewCharacterTokenizer(func(r rune) bool {
	return !unicode.IsSpace(r)
})

// Tokenize splits text on whitespace. Tokens keep their case and are not stemmed.
func Tokenize(text string) []string {
	stream := whitespaceTokenizer.Tokenize([]byte(text))
	tokens := make([]string, len(stream))
	for i, tok := range stream {
		tokens[i] = string(tok.Term)
	}
	return tokens
}
