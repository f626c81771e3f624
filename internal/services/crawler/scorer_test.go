package crawler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
)

// fakeLLM streams a canned reply, or errors
type fakeLLM struct {
	reply string
	err   error
	chat  bool
}

func (f *fakeLLM) Stream(_ context.Context, _ string, _ []interfaces.Message, _ interfaces.StreamOptions) (<-chan string, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan string, 2)
	// Split to exercise chunk buffering
	half := len(f.reply) / 2
	ch <- f.reply[:half]
	ch <- f.reply[half:]
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Model(id string) (interfaces.ModelInfo, bool) {
	caps := []string{"embedding"}
	if f.chat {
		caps = []string{"chat"}
	}
	return interfaces.ModelInfo{ID: id, Provider: "fake", Capabilities: caps}, true
}

func TestKeywordScore(t *testing.T) {
	score, matched := KeywordScore("Kubernetes runs containers on Linux nodes", []string{"linux", "kubernetes", "windows"})
	assert.InDelta(t, 2.0/3.0, score, 1e-9)
	assert.ElementsMatch(t, []string{"linux", "kubernetes"}, matched)

	score, matched = KeywordScore("anything", nil)
	assert.Equal(t, 0.0, score)
	assert.Empty(t, matched)

	score, _ = KeywordScore("no hits here", []string{"absent"})
	assert.Equal(t, 0.0, score)
}

func TestScore_KeywordOnlyWhenAssistDisabled(t *testing.T) {
	s := NewScorer(&fakeLLM{chat: true, reply: `{"relevance_score": 1.0}`}, "model-a", common.GetLogger())

	score, matched, extracted := s.Score(context.Background(), "linux article body", []string{"linux"}, false, "q")
	assert.Equal(t, 1.0, score)
	assert.Equal(t, []string{"linux"}, matched)
	assert.Empty(t, extracted)
}

func TestScore_FusesWithLLM(t *testing.T) {
	llm := &fakeLLM{chat: true, reply: `{"relevance_score": 0.8, "extracted_content": "summary text", "suggested_links": []}`}
	s := NewScorer(llm, "model-a", common.GetLogger())

	score, _, extracted := s.Score(context.Background(), "linux body", []string{"linux", "windows"}, true, "linux news")
	// keyword 0.5 fused with llm 0.8
	assert.InDelta(t, 0.65, score, 1e-9)
	assert.Equal(t, "summary text", extracted)
}

func TestScore_LLMFailureKeepsKeywordScore(t *testing.T) {
	s := NewScorer(&fakeLLM{chat: true, err: fmt.Errorf("model down")}, "model-a", common.GetLogger())

	score, _, extracted := s.Score(context.Background(), "linux body", []string{"linux"}, true, "q")
	assert.Equal(t, 1.0, score)
	assert.Empty(t, extracted)
}

func TestScore_NonChatModelSkipsFusion(t *testing.T) {
	s := NewScorer(&fakeLLM{chat: false, reply: `{"relevance_score": 0.0}`}, "model-a", common.GetLogger())

	score, _, _ := s.Score(context.Background(), "linux body", []string{"linux"}, true, "q")
	assert.Equal(t, 1.0, score)
}

func TestParseAssessment(t *testing.T) {
	score, extracted, err := parseAssessment(`{"relevance_score": 0.7, "extracted_content": "x", "suggested_links": ["https://a"]}`, "q")
	assert.NoError(t, err)
	assert.Equal(t, 0.7, score)
	assert.Equal(t, "x", extracted)

	// Prose around the object is tolerated
	score, _, err = parseAssessment("Sure! Here it is:\n{\"relevance_score\": 0.4}\nHope that helps.", "q")
	assert.NoError(t, err)
	assert.Equal(t, 0.4, score)

	// Out-of-range scores are clamped
	score, _, err = parseAssessment(`{"relevance_score": 3.5}`, "q")
	assert.NoError(t, err)
	assert.Equal(t, 1.0, score)

	// Unparseable reply mentioning the query falls back weak
	score, _, err = parseAssessment("this page is definitely about linux kernels", "linux kernels")
	assert.NoError(t, err)
	assert.Equal(t, 0.5, score)

	// Unparseable reply without the query scores zero
	score, _, err = parseAssessment("no json and no mention", "linux")
	assert.NoError(t, err)
	assert.Equal(t, 0.0, score)

	_, _, err = parseAssessment("", "q")
	assert.Error(t, err)
}
