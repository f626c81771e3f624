package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/store"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "concurrency", "patterns"}, Tokenize("Go  Concurrency\tPatterns"))
	assert.Empty(t, Tokenize("   "))
}

func TestBM25_RanksTermFrequencyAndRarity(t *testing.T) {
	idx := NewBM25Index([]string{
		"linux kernel scheduling internals for linux developers",
		"cooking recipes for busy weeknights",
		"a brief mention of linux",
	})
	q := Tokenize("linux kernel")

	scores := idx.ScoreAll(q)
	assert.Greater(t, scores[0], scores[2], "doc with both terms beats doc with one")
	assert.Greater(t, scores[2], scores[1], "doc with one term beats doc with none")
	assert.Equal(t, 0.0, scores[1])
}

func TestBM25_EmptyIndex(t *testing.T) {
	idx := NewBM25Index(nil)
	assert.Equal(t, 0.0, idx.Score(0, Tokenize("anything")))
}

func addResult(t *testing.T, s *store.ResultStore, id, url, text string, score float64) {
	t.Helper()
	now := time.Now().UTC()
	r := &models.CrawlResult{
		ID:             id,
		URL:            url,
		SourceDomain:   "example.com",
		Title:          "Title " + id,
		Excerpt:        text[:min(len(text), 40)],
		NormalizedText: text,
		ContentHash:    "hash-" + id,
		Score:          score,
		Status:         models.ResultStatusCrawled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Add(r)
}

func newTestSearcher(t *testing.T) (*Searcher, *store.ResultStore, *store.ShardWriter) {
	t.Helper()
	logger := common.GetLogger()
	rs := store.NewResultStore(1<<20, 1000, logger)
	sw, err := store.NewShardWriter(t.TempDir(), logger)
	require.NoError(t, err)
	return NewSearcher(rs, sw, 100, logger), rs, sw
}

func TestSearch_RAMCorpus(t *testing.T) {
	s, rs, _ := newTestSearcher(t)
	addResult(t, rs, "r1", "https://example.com/1", "deep dive into linux kernel scheduling and cgroups", 0.9)
	addResult(t, rs, "r2", "https://example.com/2", "gardening tips for spring", 0.8)

	hits := s.Search("linux kernel", 10, 0.1, 0)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://example.com/1", hits[0].URL)
	// Best BM25 normalizes to 1.0; fused with stored 0.9
	assert.InDelta(t, 0.95, hits[0].Score, 1e-9)
	// No text match, but the stored score alone keeps it above min_score
	assert.Equal(t, "https://example.com/2", hits[1].URL)
	assert.InDelta(t, 0.4, hits[1].Score, 1e-9)
}

func TestSearch_IncludesShardRecords(t *testing.T) {
	s, _, sw := newTestSearcher(t)
	require.NoError(t, sw.Append([]models.ShardRecord{{
		ID:             "shard-1",
		URL:            "https://example.com/old",
		SourceDomain:   "example.com",
		Title:          "Archived linux article",
		NormalizedText: "linux containers and namespaces explained",
		ContentHash:    "hash-s1",
		Score:          0.7,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}}))

	hits := s.Search("linux containers", 10, 0.1, 7)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://example.com/old", hits[0].URL)
}

func TestSearch_RAMTakesPrecedenceOverShardDuplicate(t *testing.T) {
	s, rs, sw := newTestSearcher(t)
	addResult(t, rs, "r1", "https://example.com/live", "linux kernel article text", 0.9)

	live, ok := rs.Get("r1")
	require.True(t, ok)
	require.NoError(t, sw.Append([]models.ShardRecord{{
		ID:             "stale",
		URL:            "https://example.com/stale",
		NormalizedText: live.NormalizedText,
		ContentHash:    live.ContentHash,
		Score:          0.2,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}}))

	hits := s.Search("linux kernel", 10, 0.1, 7)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://example.com/live", hits[0].URL)
}

func TestSearch_MinScoreAndLimit(t *testing.T) {
	s, rs, _ := newTestSearcher(t)
	addResult(t, rs, "r1", "https://example.com/1", "linux linux linux linux", 0.9)
	addResult(t, rs, "r2", "https://example.com/2", "linux once among other words entirely", 0.2)
	addResult(t, rs, "r3", "https://example.com/3", "nothing relevant at all", 0.9)

	all := s.Search("linux", 10, 0.0, 0)
	require.NotEmpty(t, all)

	strict := s.Search("linux", 10, 0.9, 0)
	assert.Less(t, len(strict), len(all))

	one := s.Search("linux", 1, 0.0, 0)
	assert.Len(t, one, 1)
	assert.Equal(t, "https://example.com/1", one[0].URL)
}

func TestSearch_EmptyQuery(t *testing.T) {
	s, rs, _ := newTestSearcher(t)
	addResult(t, rs, "r1", "https://example.com/1", "some text", 0.5)

	assert.Nil(t, s.Search("", 10, 0, 7))
	assert.Nil(t, s.Search("linux", 0, 0, 7))
}

func TestSearch_ScanCap(t *testing.T) {
	logger := common.GetLogger()
	rs := store.NewResultStore(1<<22, 1000, logger)
	s := NewSearcher(rs, nil, 5, logger)

	for i := 0; i < 10; i++ {
		addResult(t, rs, string(rune('a'+i)), "https://example.com/x", "linux text", 0.5)
	}
	hits := s.Search("linux", 100, 0, 0)
	assert.LessOrEqual(t, len(hits), 5)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
