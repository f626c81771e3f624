package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
	"google.golang.org/genai"
)

// geminiProvider streams chat completions from the Gemini API
type geminiProvider struct {
	client      *genai.Client
	temperature float32
	logger      arbor.ILogger
}

func newGeminiProvider(cfg common.LLMConfig, logger arbor.ILogger) (*geminiProvider, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	return &geminiProvider{
		client:      client,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// convertToGemini maps the neutral message format onto Gemini contents,
// splitting out the system prompt.
func convertToGemini(messages []interfaces.Message) ([]*genai.Content, string) {
	system, rest := splitSystemPrompt(messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents, system
}

func (p *geminiProvider) stream(ctx context.Context, model string, messages []interfaces.Message, opts interfaces.StreamOptions) (<-chan string, error) {
	contents, system := convertToGemini(messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	ch := make(chan string)
	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn().Err(err).Str("model", model).Msg("Gemini stream failed")
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case ch <- text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
