package ai

import (
	"fmt"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Provider names an embeddings backend
type Provider string

const (
	ProviderOpenAI Provider = "openai"

	// ProviderOllama uses Ollama's OpenAI-compatible endpoint; no key needed.
	ProviderOllama Provider = "ollama"
)

const defaultOllamaURL = "http://localhost:11434/v1"

// EmbeddingSettings selects and configures the embedding backend
type EmbeddingSettings struct {
	Provider  Provider
	APIKey    string
	Model     string
	BaseURL   string
	BatchSize int
}

// IsConfigured reports whether enough is set to build a service.
func (s *EmbeddingSettings) IsConfigured() bool {
	if s == nil {
		return false
	}
	switch s.Provider {
	case ProviderOllama:
		return s.Model != ""
	case ProviderOpenAI, "":
		return s.APIKey != ""
	}
	return true
}

// Factory creates embedding services from settings
type Factory struct{}

// NewFactory creates a new AI service factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateEmbeddingService returns nil, nil when embedding is not configured;
// the pipeline then indexes chunks without vectors.
func (f *Factory) CreateEmbeddingService(settings *EmbeddingSettings) (driven.EmbeddingService, error) {
	if !settings.IsConfigured() {
		return nil, nil
	}

	switch settings.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIEmbedding(settings.APIKey, settings.Model, settings.BaseURL, settings.BatchSize)
	case ProviderOllama:
		baseURL := settings.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		// Ollama ignores the bearer token.
		return newCompatibleEmbedding("ollama", settings.Model, baseURL, settings.BatchSize), nil
	default:
		return nil, fmt.Errorf("%w: embedding provider %q", domain.ErrInvalidInput, settings.Provider)
	}
}
