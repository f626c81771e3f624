package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
)

// ollamaProvider streams chat completions from a local Ollama daemon over
// its NDJSON chat endpoint
type ollamaProvider struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  arbor.ILogger
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatChunk struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

func newOllamaProvider(cfg common.LLMConfig, logger arbor.ILogger) *ollamaProvider {
	timeout := cfg.OllamaTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ollamaProvider{
		baseURL: strings.TrimRight(cfg.OllamaURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (p *ollamaProvider) stream(ctx context.Context, model string, messages []interfaces.Message, opts interfaces.StreamOptions) (<-chan string, error) {
	reqMessages := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	body := ollamaChatRequest{
		Model:    model,
		Messages: reqMessages,
		Stream:   true,
	}
	if opts.Temperature > 0 {
		body.Options = map[string]any{"temperature": opts.Temperature}
	}
	if opts.MaxTokens > 0 {
		if body.Options == nil {
			body.Options = map[string]any{}
		}
		body.Options["num_predict"] = opts.MaxTokens
	}

	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		defer cancel()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				p.logger.Debug().Err(err).Msg("Skipping malformed ollama chunk")
				continue
			}
			if chunk.Error != "" {
				p.logger.Warn().Str("error", chunk.Error).Msg("Ollama stream reported error")
				return
			}
			if chunk.Message.Content != "" {
				select {
				case ch <- chunk.Message.Content:
				case <-reqCtx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && reqCtx.Err() == nil {
			p.logger.Debug().Err(err).Msg("Ollama stream read failed")
		}
	}()
	return ch, nil
}
