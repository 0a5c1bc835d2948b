package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sablewood/reverie/pkg/types"
)

// Client talks to an Ollama-compatible generation endpoint. Every call is
// rate limited, bounded by a timeout, and wrapped by a circuit breaker so a
// degraded backend fails fast instead of stalling the reflection workers.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
	model          string
	embeddingModel string
	timeout        time.Duration
}

// ClientConfig holds generation client configuration.
type ClientConfig struct {
	// BaseURL is the base URL of the generation API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name used for completions (default: llama3.1:8b)
	Model string

	// EmbeddingModel is the model used for vector embeddings
	// (default: nomic-embed-text).
	EmbeddingModel string

	// Timeout bounds each generation request (default: 60s; reflection
	// prompts carry whole conversation windows and run long).
	Timeout time.Duration

	// RequestsPerSecond throttles calls to the backend (default: 1, burst 2).
	RequestsPerSecond float64
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The embeddings field is a 2D array; a single-input request yields exactly
// one vector.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewClient creates a generation client, applying defaults for any zero
// configuration values.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.1:8b"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "nomic-embed-text"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 1
	}

	return &Client{
		baseURL:        config.BaseURL,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: NewCircuitBreaker(),
		limiter:        rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 2),
		model:          config.Model,
		embeddingModel: config.EmbeddingModel,
		timeout:        config.Timeout,
	}
}

// Complete sends a completion request and returns the response text. Failures
// come back as *types.GenerationError so callers can treat them as abort-and-
// retry-later rather than caller-visible faults.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &types.GenerationError{Op: "rate limit wait", Err: err}
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", &types.GenerationError{Op: "complete", Err: ErrCircuitOpen}
		}
		var genErr *types.GenerationError
		if errors.As(err, &genErr) {
			return "", err
		}
		return "", &types.GenerationError{Op: "complete", Err: err}
	}
	return result.(string), nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generation backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return respData.Response, nil
}

// Embed generates an embedding vector for text. Failures share the rate
// limit and circuit breaker with Complete: a degraded backend should not be
// hammered from the embedding path either.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &types.GenerationError{Op: "rate limit wait", Err: err}
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, &types.GenerationError{Op: "embed", Err: ErrCircuitOpen}
		}
		return nil, &types.GenerationError{Op: "embed", Err: err}
	}
	return result.([]float32), nil
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jsonData, err := json.Marshal(embedRequest{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(respData.Embeddings) == 0 || len(respData.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embedding backend returned an empty vector")
	}
	return respData.Embeddings[0], nil
}

// GetModel returns the configured model name.
func (c *Client) GetModel() string {
	return c.model
}

// BreakerState reports the circuit breaker state for operator visibility.
func (c *Client) BreakerState() string {
	return c.circuitBreaker.State()
}

var _ TextGenerator = (*Client)(nil)
var _ EmbeddingGenerator = (*Client)(nil)
