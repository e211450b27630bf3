// Package indexer provides document chunking and the ingestion pipeline.
package indexer

import (
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// DefaultSeparators are tried in order: paragraph, line, word, character.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Chunker splits text into overlapping character windows, preferring to break on
// paragraph and line boundaries before falling back to words and single characters.
type Chunker struct {
	chunkSize     int
	chunkOverlap  int
	separators    []string
	snippetLength int
}

// NewChunker creates a chunker with the given size and overlap (in characters).
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Chunker{
		chunkSize:     chunkSize,
		chunkOverlap:  chunkOverlap,
		separators:    DefaultSeparators,
		snippetLength: 200,
	}
}

// WithSnippetLength sets how many characters of each chunk are kept as its snippet.
func (c *Chunker) WithSnippetLength(n int) *Chunker {
	if n > 0 {
		c.snippetLength = n
	}
	return c
}

// Split returns the ordered chunk texts for text. Whitespace-only text yields nil.
func (c *Chunker) Split(text string) []string {
	text = Normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.split(text, c.separators)
}

// Chunk splits doc and assigns ids starting at seq. It returns the chunks and the
// next unused sequence number.
func (c *Chunker) Chunk(doc *models.SourceDocument, seq int64) ([]*models.Chunk, int64) {
	texts := c.Split(doc.Body)
	chunks := make([]*models.Chunk, 0, len(texts))
	for _, text := range texts {
		chunks = append(chunks, &models.Chunk{
			ID:         models.ChunkID(seq),
			Seq:        seq,
			Text:       text,
			SourceFile: doc.SourceFile,
			Title:      doc.Title,
			URL:        doc.URL,
			Snippet:    utils.Snippet(text, c.snippetLength),
		})
		seq++
	}
	return chunks, seq
}

// ChunkAll chunks docs in order with ids globally increasing from start.
func (c *Chunker) ChunkAll(docs []*models.SourceDocument, start int64) []*models.Chunk {
	var all []*models.Chunk
	seq := start
	for _, doc := range docs {
		var chunks []*models.Chunk
		chunks, seq = c.Chunk(doc, seq)
		all = append(all, chunks...)
	}
	return all
}

func (c *Chunker) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" {
			separator = s
			break
		}
		if strings.Contains(text, s) {
			separator = s
			rest = separators[i+1:]
			break
		}
	}

	var final, pending []string
	for _, piece := range splitKeepSeparator(text, separator) {
		if runeLen(piece) < c.chunkSize {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			final = append(final, c.merge(pending)...)
			pending = nil
		}
		if len(rest) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, c.split(piece, rest)...)
		}
	}
	if len(pending) > 0 {
		final = append(final, c.merge(pending)...)
	}
	return final
}

// merge packs pieces into windows of at most chunkSize characters, carrying up to
// chunkOverlap trailing characters of each window into the next.
func (c *Chunker) merge(pieces []string) []string {
	var out, window []string
	total := 0
	for _, piece := range pieces {
		n := runeLen(piece)
		if total+n > c.chunkSize && len(window) > 0 {
			if text := strings.TrimSpace(strings.Join(window, "")); text != "" {
				out = append(out, text)
			}
			for total > c.chunkOverlap || (total+n > c.chunkSize && total > 0) {
				total -= runeLen(window[0])
				window = window[1:]
			}
		}
		window = append(window, piece)
		total += n
	}
	if text := strings.TrimSpace(strings.Join(window, "")); text != "" {
		out = append(out, text)
	}
	return out
}

// splitKeepSeparator splits text on sep, keeping sep at the start of every piece after
// the first. An empty sep splits into single characters. Empty pieces are dropped.
func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = sep + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
