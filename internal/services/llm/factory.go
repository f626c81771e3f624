package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
)

// Service routes chat completions to the configured providers. Model IDs
// may carry a "claude:", "gemini:" or "ollama:" prefix; bare IDs go to the
// default provider.
type Service struct {
	providers       map[common.LLMProvider]provider
	defaultProvider common.LLMProvider
	logger          arbor.ILogger
}

// NewLLMService wires every provider the configuration enables. Ollama is
// always available; Claude and Gemini require API keys.
func NewLLMService(cfg *common.Config, logger arbor.ILogger) (*Service, error) {
	s := &Service{
		providers:       make(map[common.LLMProvider]provider),
		defaultProvider: cfg.LLM.DefaultProvider,
		logger:          logger,
	}

	s.providers[common.LLMProviderOllama] = newOllamaProvider(cfg.LLM, logger)

	if cfg.LLM.ClaudeAPIKey != "" {
		s.providers[common.LLMProviderClaude] = newClaudeProvider(cfg.LLM, logger)
	}
	if cfg.LLM.GeminiAPIKey != "" {
		gemini, err := newGeminiProvider(cfg.LLM, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Gemini provider unavailable")
		} else {
			s.providers[common.LLMProviderGemini] = gemini
		}
	}

	if _, ok := s.providers[s.defaultProvider]; !ok {
		return nil, fmt.Errorf("default LLM provider %q is not configured", s.defaultProvider)
	}

	logger.Info().
		Int("providers", len(s.providers)).
		Str("default", string(s.defaultProvider)).
		Msg("LLM service initialized")
	return s, nil
}

// Stream implements interfaces.LLMService.
func (s *Service) Stream(ctx context.Context, model string, messages []interfaces.Message, opts interfaces.StreamOptions) (<-chan string, error) {
	providerName, bareModel := splitModelID(model, s.defaultProvider)
	p, ok := s.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("LLM provider %q is not configured", providerName)
	}
	return p.stream(ctx, bareModel, messages, opts)
}

// Model implements interfaces.LLMService. Every model routed to a
// configured provider advertises the chat capability.
func (s *Service) Model(id string) (interfaces.ModelInfo, bool) {
	if id == "" {
		return interfaces.ModelInfo{}, false
	}
	providerName, bareModel := splitModelID(id, s.defaultProvider)
	if _, ok := s.providers[providerName]; !ok {
		return interfaces.ModelInfo{}, false
	}
	return interfaces.ModelInfo{
		ID:           bareModel,
		Provider:     string(providerName),
		Capabilities: []string{"chat"},
	}, true
}
