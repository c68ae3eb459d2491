package ai

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

// Provider names accepted by the factory.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// EmbeddingSettings configures an embedding provider.
type EmbeddingSettings struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// LLMSettings configures an LLM provider.
type LLMSettings struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewEmbeddingService creates an embedding service from settings.
// An empty provider defaults to OpenAI.
func NewEmbeddingService(settings EmbeddingSettings) (driven.EmbeddingService, error) {
	switch strings.ToLower(settings.Provider) {
	case ProviderOpenAI, "":
		return NewOpenAIEmbedding(settings.APIKey, settings.Model, settings.BaseURL)
	case ProviderOllama:
		return NewOllamaEmbedding(settings.BaseURL, settings.Model)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
}

// NewLLMService creates an LLM service from settings.
// An empty provider defaults to OpenAI.
func NewLLMService(settings LLMSettings) (driven.LLMService, error) {
	switch strings.ToLower(settings.Provider) {
	case ProviderOpenAI, "":
		return NewOpenAILLM(settings.APIKey, settings.Model, settings.BaseURL)
	case ProviderOllama:
		return NewOllamaLLM(settings.BaseURL, settings.Model)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
}
