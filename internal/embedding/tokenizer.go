package embedding

import (
	"hash/fnv"
	"strings"
)

// BERT special tokens and the vocabulary width hashed words are folded into.
const (
	tokenCLS  = 101
	tokenSEP  = 102
	vocabSize = 30000
)

// HashTokenizer maps whitespace-separated words to vocabulary ids by hashing, and lays
// them out as a single-segment BERT input: [CLS] words... [SEP] padding.
type HashTokenizer struct{}

// Encode writes the encoding of text into ids, mask and types, which must share a length.
// Words beyond the available width are dropped. It returns the number of live positions.
func (HashTokenizer) Encode(text string, ids, mask, types []int64) int {
	width := len(ids)
	clear(ids)
	clear(mask)
	clear(types)
	if width == 0 {
		return 0
	}
	n := 0
	put := func(id int64) {
		ids[n] = id
		mask[n] = 1
		n++
	}
	put(tokenCLS)
	for _, word := range strings.Fields(text) {
		if n >= width-1 {
			break
		}
		put(int64(wordHash(word) % vocabSize))
	}
	if n < width {
		put(tokenSEP)
	}
	return n
}

// wordHash is a stable 32-bit FNV-1a hash of word.
func wordHash(word string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return h.Sum32()
}
