package embedding

import (
	"fmt"

	"github.com/hyperjump/shiori/internal/config"
)

// Provider names accepted in embedding.provider.
const (
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderONNX   = "onnx"
)

// New builds the configured provider wrapped with the concurrency limiter and the query LRU.
func New(cfg *config.EmbeddingConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case ProviderMock, "":
		inner = NewMockEmbedder(cfg.Dimensions)
	case ProviderOpenAI:
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case ProviderOllama:
		// Ollama models have a fixed width; it is learned from the first response.
		inner = NewOllamaEmbedder(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout(),
		})
	case ProviderONNX:
		e, err := NewONNXEmbedder(ONNXConfig{
			ModelPath:  cfg.ModelPath,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	limited := NewLimited(inner, cfg.Concurrency, cfg.RequestsPerSecond)
	return NewCachedEmbedder(limited, cfg.CacheSize, WithFlightTimeout(cfg.Timeout())), nil
}
