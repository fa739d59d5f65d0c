package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures the OpenAI embedding model.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	Dimensions int

	RequestTimeout time.Duration
	// RequestsPerMinute bounds client-side request rate; 0 disables limiting
	RequestsPerMinute int
	// MaxElapsedTime caps the retry budget for a single Embed call
	MaxElapsedTime time.Duration
}

// OpenAIModel calls the OpenAI embeddings API. Calls pass through a rate
// limiter and a circuit breaker; transient failures retry with exponential
// backoff until the retry budget runs out.
type OpenAIModel struct {
	config     OpenAIConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

type openAIRequest struct {
	Input      interface{} `json:"input"`
	Model      string      `json:"model"`
	Dimensions *int        `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// NewOpenAIModel creates an OpenAIModel.
func NewOpenAIModel(config OpenAIConfig) (*OpenAIModel, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.Endpoint == "" {
		config.Endpoint = "https://api.openai.com/v1"
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 1536
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 30 * time.Second
	}

	m := &OpenAIModel{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
	}
	if config.RequestsPerMinute > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), config.RequestsPerMinute)
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai-embeddings",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return m, nil
}

// Name implements embedding.Model
func (m *OpenAIModel) Name() string { return "openai:" + m.config.Model }

// Dimensions implements embedding.Model
func (m *OpenAIModel) Dimensions() int { return m.config.Dimensions }

// Embed implements embedding.Model
func (m *OpenAIModel) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embedding.Model
func (m *OpenAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var result [][]float32
	operation := func() error {
		out, err := m.breaker.Execute(func() (interface{}, error) {
			return m.call(ctx, texts)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			if !isRetryableStatus(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.([][]float32)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.config.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// httpStatusError marks provider responses whose status code decides
// retryability.
type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.status, e.message)
}

func isRetryableStatus(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	// Network-level errors are retryable
	return true
}

func (m *OpenAIModel) call(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := openAIRequest{
		Input: texts,
		Model: m.config.Model,
	}
	// Only dimension-reducible models accept the dimensions field
	if m.config.Model != "text-embedding-ada-002" {
		reqBody.Dimensions = &m.config.Dimensions
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.Endpoint+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.config.APIKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return nil, &httpStatusError{status: resp.StatusCode, message: errResp.Error.Message}
		}
		return nil, &httpStatusError{status: resp.StatusCode, message: string(body)}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
