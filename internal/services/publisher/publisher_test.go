package publisher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/store"
)

// fakePoster records posts and optionally fails
type fakePoster struct {
	posts  []interfaces.PostRequest
	nextID int
	err    error
}

func (f *fakePoster) CreatePost(_ context.Context, req interfaces.PostRequest) (*interfaces.PostResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	f.posts = append(f.posts, req)
	return &interfaces.PostResponse{ID: fmt.Sprintf("post-%d", f.nextID), Link: "https://blog.example.com/" + req.Title}, nil
}

// fakeLLM streams a canned article
type fakeLLM struct {
	article string
	err     error
}

func (f *fakeLLM) Stream(_ context.Context, _ string, _ []interfaces.Message, _ interfaces.StreamOptions) (<-chan string, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan string, 1)
	ch <- f.article
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Model(id string) (interfaces.ModelInfo, bool) {
	return interfaces.ModelInfo{ID: id, Provider: "fake", Capabilities: []string{"chat"}}, true
}

func addResult(s *store.ResultStore, id, hash string, score float64, age time.Duration) *models.CrawlResult {
	now := time.Now().UTC()
	r := &models.CrawlResult{
		ID:           id,
		URL:          "https://example.com/" + id,
		SourceDomain: "example.com",
		Title:        "Article " + id,
		Content:      "## Heading\n\nBody for " + id,
		ContentHash:  hash,
		Score:        score,
		Status:       models.ResultStatusCrawled,
		CreatedAt:    now.Add(-age),
		UpdatedAt:    now.Add(-age),
	}
	s.Add(r)
	return r
}

func newTestPublisher(t *testing.T) (*Publisher, *store.ResultStore, *fakePoster) {
	t.Helper()
	logger := common.GetLogger()
	rs := store.NewResultStore(1<<20, 1000, logger)
	poster := &fakePoster{}
	cfg := common.NewDefaultConfig()
	cfg.Publisher.MaxPostsPerHour = 3
	cfg.Publisher.MinScore = 0.6
	cfg.Publisher.FreshnessDays = 3

	p := New(rs, &fakeLLM{article: "# Generated\n\nArticle body."}, poster, cfg, logger)
	return p, rs, poster
}

func TestRunOnce_PostsBestUnposted(t *testing.T) {
	p, rs, poster := newTestPublisher(t)
	addResult(rs, "low", "h1", 0.65, time.Hour)
	addResult(rs, "best", "h2", 0.95, time.Hour)
	addResult(rs, "under", "h3", 0.3, time.Hour)

	posted := p.RunOnce(context.Background())
	assert.Equal(t, 2, posted, "below-floor result is skipped")
	require.Len(t, poster.posts, 2)
	assert.Equal(t, "Article best", poster.posts[0].Title, "best score posts first")

	best, ok := rs.Get("best")
	require.True(t, ok)
	require.NotNil(t, best.PostedAt)
	assert.Equal(t, models.ResultStatusPublished, best.Status)
	assert.Equal(t, "post-1", best.PostID)
}

func TestRunOnce_HonorsPostCap(t *testing.T) {
	p, rs, poster := newTestPublisher(t)
	for i := 0; i < 5; i++ {
		addResult(rs, fmt.Sprintf("r%d", i), fmt.Sprintf("h%d", i), 0.9, time.Hour)
	}

	posted := p.RunOnce(context.Background())
	assert.Equal(t, 3, posted)
	assert.Len(t, poster.posts, 3)
}

func TestRunOnce_DedupsByContentHashWithinRun(t *testing.T) {
	p, rs, poster := newTestPublisher(t)
	addResult(rs, "a", "same", 0.9, time.Hour)
	// Different hash path: store-level dedup would collapse identical
	// hashes, so simulate two candidates converging on one hash mid-run
	addResult(rs, "b", "other", 0.8, time.Hour)

	b, ok := rs.Get("b")
	require.True(t, ok)
	b.ContentHash = "same"

	posted := p.RunOnce(context.Background())
	assert.Equal(t, 1, posted, "second result with an already-promoted hash is skipped")
	assert.Len(t, poster.posts, 1)
}

func TestRunOnce_SkipsAlreadyPostedAndStale(t *testing.T) {
	p, rs, poster := newTestPublisher(t)

	done := addResult(rs, "posted", "h1", 0.9, time.Hour)
	done.MarkPosted("prior", "")

	addResult(rs, "stale", "h2", 0.9, 30*24*time.Hour)

	posted := p.RunOnce(context.Background())
	assert.Equal(t, 0, posted)
	assert.Empty(t, poster.posts)
}

func TestRunOnce_PosterFailureSkipsItem(t *testing.T) {
	p, rs, poster := newTestPublisher(t)
	poster.err = fmt.Errorf("upstream down")
	addResult(rs, "r1", "h1", 0.9, time.Hour)

	posted := p.RunOnce(context.Background())
	assert.Equal(t, 0, posted)

	r, ok := rs.Get("r1")
	require.True(t, ok)
	assert.Nil(t, r.PostedAt, "failed post leaves the result unposted")
}

func TestRunOnce_LLMFailureSkipsItem(t *testing.T) {
	p, rs, poster := newTestPublisher(t)
	p.llm = &fakeLLM{err: fmt.Errorf("model down")}
	addResult(rs, "r1", "h1", 0.9, time.Hour)

	posted := p.RunOnce(context.Background())
	assert.Equal(t, 0, posted)
	assert.Empty(t, poster.posts)
}

func TestPublish_RendersMarkdownAndAttribution(t *testing.T) {
	p, rs, poster := newTestPublisher(t)
	addResult(rs, "r1", "h1", 0.9, time.Hour)

	posted := p.RunOnce(context.Background())
	require.Equal(t, 1, posted)

	content := poster.posts[0].Content
	assert.Contains(t, content, "<h1", "markdown heading renders to HTML")
	assert.Contains(t, content, "https://example.com/r1", "attribution links the source URL")
	assert.Equal(t, "publish", poster.posts[0].Status)
}
