// Package generator turns ranked chunks and a question into an answer.
package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
)

// Provider names accepted in generator.provider.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

// DefaultFallbackDocs is how many ranked chunks are returned verbatim when generation fails.
const DefaultFallbackDocs = 3

const promptPreamble = "Use the following pieces of context to answer the question at the end.\n" +
	"If you don't know the answer, just say that you don't know, don't try to make up an answer.\n" +
	"Keep the answer concise and helpful."

// Generator answers a question from context chunks.
type Generator interface {
	// Generate returns the whole answer.
	Generate(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int) (string, error)
	// Stream calls onToken for every piece of the answer as it arrives. An error from
	// onToken stops the stream and is returned.
	Stream(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int, onToken func(string) error) error
}

// Prompt builds the user prompt: instructions, the chunk texts separated by blank lines,
// then the question.
func Prompt(query string, chunks []*models.Chunk) string {
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\nContext:\n")
	b.WriteString(strings.Join(texts, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// ChunksOf returns the chunks of results in rank order.
func ChunksOf(results []*models.RankedResult) []*models.Chunk {
	chunks := make([]*models.Chunk, 0, len(results))
	for _, r := range results {
		if r.Chunk != nil {
			chunks = append(chunks, r.Chunk)
		}
	}
	return chunks
}

// Fallback returns the first n results verbatim for callers whose generation failed.
func Fallback(results []*models.RankedResult, n int) []models.FallbackDoc {
	if n <= 0 {
		n = DefaultFallbackDocs
	}
	docs := make([]models.FallbackDoc, 0, min(n, len(results)))
	for _, r := range results {
		if len(docs) == n {
			break
		}
		if r.Chunk == nil {
			continue
		}
		docs = append(docs, models.FallbackDoc{
			Content:  r.Chunk.Text,
			Metadata: r.Chunk.Record(),
			Score:    r.Score,
		})
	}
	return docs
}

// Disabled is the generator used when none is configured. Every call fails with
// models.ErrGeneratorDisabled so callers take the fallback path.
type Disabled struct{}

// Generate implements Generator.
func (Disabled) Generate(context.Context, string, []*models.Chunk, int) (string, error) {
	return "", models.ErrGeneratorDisabled
}

// Stream implements Generator.
func (Disabled) Stream(context.Context, string, []*models.Chunk, int, func(string) error) error {
	return models.ErrGeneratorDisabled
}

// New builds the configured generator.
func New(cfg *config.GeneratorConfig) (Generator, error) {
	switch cfg.Provider {
	case ProviderNone, "":
		return Disabled{}, nil
	case ProviderOpenAI:
		g, err := NewOpenAIGenerator(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported generator provider: %s", cfg.Provider)
	}
}
