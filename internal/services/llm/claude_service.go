package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
)

// claudeDefaultMaxTokens bounds completions when the caller sets no limit
const claudeDefaultMaxTokens = 4096

// claudeProvider streams chat completions from the Anthropic API
type claudeProvider struct {
	client      anthropic.Client
	temperature float32
	logger      arbor.ILogger
}

func newClaudeProvider(cfg common.LLMConfig, logger arbor.ILogger) *claudeProvider {
	return &claudeProvider{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.ClaudeAPIKey)),
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

// convertMessages maps the neutral message format onto Claude turns,
// splitting out the system prompt.
func convertMessages(messages []interfaces.Message) ([]anthropic.MessageParam, string) {
	system, rest := splitSystemPrompt(messages)

	out := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, system
}

func (p *claudeProvider) stream(ctx context.Context, model string, messages []interfaces.Message, opts interfaces.StreamOptions) (<-chan string, error) {
	claudeMessages, system := convertMessages(messages)
	if len(claudeMessages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(float64(temperature))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	ch := make(chan string)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						select {
						case ch <- delta.Text:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("model", model).Msg("Claude stream failed")
		}
	}()
	return ch, nil
}
