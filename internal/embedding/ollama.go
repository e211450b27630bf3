package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// DefaultOllamaModel is the default model used for embeddings.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultOllamaBaseURL is the default Ollama API URL.
	DefaultOllamaBaseURL = "http://localhost:11434"
)

// OllamaEmbedder wraps Ollama's /api/embed endpoint, which accepts a list of inputs.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions atomic.Int64
	httpClient *http.Client
}

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL defaults to DefaultOllamaBaseURL if empty.
	BaseURL string
	// Model defaults to DefaultOllamaModel if empty.
	Model      string
	Dimensions int
	Timeout    time.Duration
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates a new embedder using Ollama's embedding API.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	e := &OllamaEmbedder{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
	e.dimensions.Store(int64(cfg.Dimensions))
	return e
}

// Embed converts text into a vector embedding.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts with a single request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	jsonBody, err := json.Marshal(ollamaRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: ollama returned status %d: %s", ErrEmbedding, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbedding, err)
	}
	if err := checkBatch(texts, out.Embeddings); err != nil {
		return nil, err
	}
	e.dimensions.CompareAndSwap(0, int64(len(out.Embeddings[0])))
	return out.Embeddings, nil
}

// Dimensions returns the configured dimension, or the observed one once a response arrived.
func (e *OllamaEmbedder) Dimensions() int {
	return int(e.dimensions.Load())
}

// Close releases resources held by the embedder.
func (e *OllamaEmbedder) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
