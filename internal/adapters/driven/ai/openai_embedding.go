package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Ensure OpenAIEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*OpenAIEmbedding)(nil)

const defaultBatchSize = 64

// OpenAIEmbedding implements EmbeddingService against the OpenAI
// /embeddings API or any server that speaks it.
type OpenAIEmbedding struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	batchSize  int
	client     *http.Client
}

// Model dimensions for OpenAI embedding models
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
}

// NewOpenAIEmbedding creates a new OpenAI embedding service
func NewOpenAIEmbedding(apiKey, model, baseURL string, batchSize int) (*OpenAIEmbedding, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key is required", domain.ErrInvalidInput)
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	e := newCompatibleEmbedding(apiKey, model, baseURL, batchSize)
	return e, nil
}

func newCompatibleEmbedding(apiKey, model, baseURL string, batchSize int) *OpenAIEmbedding {
	dimensions, ok := openAIModelDimensions[model]
	if !ok {
		dimensions = 1536
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &OpenAIEmbedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		dimensions: dimensions,
		batchSize:  batchSize,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

// embeddingRequest is the request body for OpenAI embedding API
type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

// embeddingResponse is the response from OpenAI embedding API
type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates embeddings for texts in batches, preserving input order.
func (e *OpenAIEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		resp, err := e.doRequest(ctx, embeddingRequest{
			Input:          texts[start:end],
			Model:          e.model,
			EncodingFormat: "float",
		})
		if err != nil {
			return nil, err
		}
		for _, d := range resp.Data {
			if d.Index >= 0 && start+d.Index < end {
				embeddings[start+d.Index] = d.Embedding
			}
		}
	}

	for i, v := range embeddings {
		if v == nil {
			return nil, domain.NewSyncError(domain.ErrorKindInternal, "embedding", "embedding missing from response",
				fmt.Errorf("no vector for input %d", i))
		}
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension size
func (e *OpenAIEmbedding) Dimensions() int {
	return e.dimensions
}

// Model returns the model name being used
func (e *OpenAIEmbedding) Model() string {
	return e.model
}

// HealthCheck embeds a short string to verify the service answers.
func (e *OpenAIEmbedding) HealthCheck(ctx context.Context) error {
	_, err := e.Embed(ctx, []string{"health check"})
	return err
}

// Close releases idle connections
func (e *OpenAIEmbedding) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *OpenAIEmbedding) doRequest(ctx context.Context, reqBody embeddingRequest) (*embeddingResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.NewSyncError(domain.ErrorKindTransient, "embedding", "embedding service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewSyncError(domain.ErrorKindTransient, "embedding", "embedding response truncated", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, respBody)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, domain.NewSyncError(domain.ErrorKindInternal, "embedding", "malformed embedding response", err)
	}
	if embResp.Error != nil {
		return nil, domain.NewSyncError(domain.ErrorKindInternal, "embedding", "embedding request rejected",
			fmt.Errorf("%s: %s", embResp.Error.Type, embResp.Error.Message))
	}
	return &embResp, nil
}

// classifyStatus maps an error response to an ErrorKind. The body is kept
// on the cause only.
func classifyStatus(resp *http.Response, body []byte) error {
	cause := fmt.Errorf("embeddings returned %s: %.200s", resp.Status, body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		te := domain.Throttled("embedding", retryAfter(resp.Header.Get("Retry-After")))
		te.Err = cause
		return te
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewSyncError(domain.ErrorKindAuth, "embedding", "embedding service rejected credentials", cause)
	case resp.StatusCode >= 500:
		return domain.NewSyncError(domain.ErrorKindTransient, "embedding", "embedding service unavailable", cause)
	default:
		return domain.NewSyncError(domain.ErrorKindInternal, "embedding", "embedding request rejected", cause)
	}
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
