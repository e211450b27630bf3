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
	// DefaultOpenAIModel is the default OpenAI embedding model.
	DefaultOpenAIModel = "text-embedding-3-small"

	// DefaultOpenAIBaseURL is the default OpenAI API URL.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
)

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. A whole batch is sent in one request.
type OpenAIEmbedder struct {
	baseURL    string
	model      string
	apiKey     string
	dimensions atomic.Int64
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI embedder.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	// Dimensions is requested from text-embedding-3 models. 0 keeps the model default.
	Dimensions int
	Timeout    time.Duration
}

type openAIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIEmbedder creates an embedder for the OpenAI embeddings API.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder requires an api key")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &OpenAIEmbedder{
		baseURL:    baseURL,
		model:      model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	e.dimensions.Store(int64(cfg.Dimensions))
	return e, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts with a single request. Results are placed by their response index.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	reqBody := openAIRequest{Model: e.model, Input: texts}
	if strings.HasPrefix(e.model, "text-embedding-3") {
		reqBody.Dimensions = int(e.dimensions.Load())
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: openai returned status %d: %s", ErrEmbedding, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbedding, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbedding, out.Error.Message)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: response index %d out of range", ErrEmbedding, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d inputs", ErrEmbedding, len(out.Data), len(texts))
	}
	if err := checkBatch(texts, vecs); err != nil {
		return nil, err
	}
	e.dimensions.CompareAndSwap(0, int64(len(vecs[0])))
	return vecs, nil
}

// Dimensions returns the configured dimension, or the observed one once a response arrived.
func (e *OpenAIEmbedder) Dimensions() int {
	return int(e.dimensions.Load())
}

// Close releases resources held by the embedder.
func (e *OpenAIEmbedder) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
