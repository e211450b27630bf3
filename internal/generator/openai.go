package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

const (
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultTemperature   = 0.2
	streamDone           = "[DONE]"
)

// ErrGeneration wraps every provider failure.
var ErrGeneration = errors.New("answer generation failed")

// OpenAIConfig holds configuration for the chat completions generator.
type OpenAIConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIGenerator calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIGenerator struct {
	baseURL     string
	model       string
	apiKey      string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		Delta   chatMessage `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIGenerator creates a chat completions client. An API key is optional so local
// OpenAI-compatible servers can be used.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai generator requires an api key")
		}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIGenerator{
		baseURL:     baseURL,
		model:       model,
		apiKey:      cfg.APIKey,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int) (string, error) {
	resp, err := g.do(ctx, query, chunks, maxTokens, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrGeneration, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrGeneration, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrGeneration)
	}
	return out.Choices[0].Message.Content, nil
}

// Stream implements Generator.
func (g *OpenAIGenerator) Stream(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int, onToken func(string) error) error {
	resp, err := g.do(ctx, query, chunks, maxTokens, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	events := newEventReader(resp.Body)
	for {
		ev, err := events.Next()
		if err != nil {
			return fmt.Errorf("%w: reading stream: %v", ErrGeneration, err)
		}
		if ev == nil {
			return fmt.Errorf("%w: stream ended without %s", ErrGeneration, streamDone)
		}
		if ev.Data == streamDone {
			return nil
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("%w: decoding stream event: %v", ErrGeneration, err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("%w: %s", ErrGeneration, chunk.Error.Message)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			if err := onToken(c.Delta.Content); err != nil {
				return err
			}
		}
	}
}

func (g *OpenAIGenerator) do(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int, stream bool) (*http.Response, error) {
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    []chatMessage{{Role: "user", Content: Prompt(query, chunks)}},
		Temperature: g.temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", ErrGeneration, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", ErrGeneration, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: provider returned status %d: %s", ErrGeneration, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Close releases idle connections.
func (g *OpenAIGenerator) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}
