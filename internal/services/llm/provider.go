package llm

import (
	"context"
	"strings"

	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
)

// provider is one backend capable of streaming chat completions
type provider interface {
	stream(ctx context.Context, model string, messages []interfaces.Message, opts interfaces.StreamOptions) (<-chan string, error)
}

// splitModelID resolves "claude:sonnet" style IDs to a provider and bare
// model name. IDs without a prefix route to the default provider.
func splitModelID(id string, def common.LLMProvider) (common.LLMProvider, string) {
	if name, ok := strings.CutPrefix(id, "claude:"); ok {
		return common.LLMProviderClaude, name
	}
	if name, ok := strings.CutPrefix(id, "gemini:"); ok {
		return common.LLMProviderGemini, name
	}
	if name, ok := strings.CutPrefix(id, "ollama:"); ok {
		return common.LLMProviderOllama, name
	}
	return def, id
}

// splitSystemPrompt separates system turns from the conversation. Providers
// that take the system prompt out of band need this.
func splitSystemPrompt(messages []interfaces.Message) (string, []interfaces.Message) {
	var system strings.Builder
	rest := make([]interfaces.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return system.String(), rest
}
