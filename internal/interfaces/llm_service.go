package interfaces

import "context"

// Message is a single chat turn passed to an LLM provider
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// StreamOptions tunes a streaming completion call
type StreamOptions struct {
	Temperature float32
	MaxTokens   int
}

// ModelInfo advertises a model handle and its capabilities. A model must
// advertise the "chat" capability to be used for generation or relevance
// calls.
type ModelInfo struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities"`
}

// SupportsChat reports whether the model advertises the chat capability.
func (m ModelInfo) SupportsChat() bool {
	for _, c := range m.Capabilities {
		if c == "chat" {
			return true
		}
	}
	return false
}

// LLMService produces a lazy sequence of string chunks for a chat
// completion. The channel is finite and not restartable; consumers buffer
// into a string and treat the whole response atomically. The channel is
// closed when the stream ends or the context is cancelled.
type LLMService interface {
	Stream(ctx context.Context, model string, messages []Message, opts StreamOptions) (<-chan string, error)
	Model(id string) (ModelInfo, bool)
}
