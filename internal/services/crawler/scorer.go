package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/interfaces"
)

// llmBodyLimit bounds how much page text goes into the relevance prompt
const llmBodyLimit = 8000

// RelevanceAssessment is the strict reply schema expected from the model
type RelevanceAssessment struct {
	RelevanceScore   float64  `json:"relevance_score"`
	ExtractedContent string   `json:"extracted_content"`
	SuggestedLinks   []string `json:"suggested_links"`
}

// Scorer computes keyword relevance and optionally fuses it with an LLM
// assessment. LLM failures never fail the page; scoring falls back to the
// keyword score alone.
type Scorer struct {
	llm    interfaces.LLMService
	model  string
	logger arbor.ILogger
}

// NewScorer creates a scorer. llm may be nil when no model is configured.
func NewScorer(llm interfaces.LLMService, model string, logger arbor.ILogger) *Scorer {
	return &Scorer{llm: llm, model: model, logger: logger}
}

// KeywordScore returns the fraction of keywords occurring case-insensitively
// in the body, plus the matched set.
func KeywordScore(body string, keywords []string) (float64, []string) {
	if len(keywords) == 0 {
		return 0, nil
	}
	lower := strings.ToLower(body)
	var matched []string
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			matched = append(matched, k)
		}
	}
	return float64(len(matched)) / float64(len(keywords)), matched
}

// Score returns the final relevance score, the matched keywords and any
// LLM-extracted content. When llmAssist is false or no chat model is
// available, the keyword score stands alone.
func (s *Scorer) Score(ctx context.Context, body string, keywords []string, llmAssist bool, query string) (float64, []string, string) {
	keywordScore, matched := KeywordScore(body, keywords)

	if !llmAssist || s.llm == nil || s.model == "" {
		return keywordScore, matched, ""
	}
	if info, ok := s.llm.Model(s.model); !ok || !info.SupportsChat() {
		s.logger.Debug().Str("model", s.model).Msg("No chat-capable model for relevance fusion")
		return keywordScore, matched, ""
	}

	llmScore, extracted, err := s.assess(ctx, body, query)
	if err != nil {
		s.logger.Debug().Err(err).Msg("LLM relevance assist failed, keeping keyword score")
		return keywordScore, matched, ""
	}

	return (keywordScore + llmScore) / 2, matched, extracted
}

// assess sends the truncated body to the model and parses its reply.
func (s *Scorer) assess(ctx context.Context, body, query string) (float64, string, error) {
	text := body
	if len(text) > llmBodyLimit {
		text = text[:llmBodyLimit]
	}

	prompt := fmt.Sprintf(`Assess how relevant the following page text is to the query %q.
Reply with ONLY a JSON object, no prose, in exactly this shape:
{"relevance_score": <float between 0 and 1>, "extracted_content": <string or null>, "suggested_links": [<strings>]}

Page text:
%s`, query, text)

	stream, err := s.llm.Stream(ctx, s.model, []interfaces.Message{
		{Role: "user", Content: prompt},
	}, interfaces.StreamOptions{})
	if err != nil {
		return 0, "", err
	}

	var sb strings.Builder
	for chunk := range stream {
		sb.WriteString(chunk)
	}
	reply := strings.TrimSpace(sb.String())

	score, extracted, err := parseAssessment(reply, query)
	if err != nil {
		return 0, "", err
	}
	return score, extracted, nil
}

// parseAssessment parses the strict JSON reply, tolerating surrounding
// prose by slicing the outermost object. A completely unparseable reply
// falls back to a weak heuristic: 0.5 when the query appears in the reply,
// else 0.0.
func parseAssessment(reply, query string) (float64, string, error) {
	if reply == "" {
		return 0, "", fmt.Errorf("empty model reply")
	}

	candidate := reply
	if start := strings.Index(reply, "{"); start >= 0 {
		if end := strings.LastIndex(reply, "}"); end > start {
			candidate = reply[start : end+1]
		}
	}

	var a RelevanceAssessment
	if err := json.Unmarshal([]byte(candidate), &a); err == nil {
		score := a.RelevanceScore
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		return score, a.ExtractedContent, nil
	}

	// Weak fallback
	if query != "" && strings.Contains(strings.ToLower(reply), strings.ToLower(query)) {
		return 0.5, "", nil
	}
	return 0.0, "", nil
}
