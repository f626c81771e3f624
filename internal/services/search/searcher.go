package search

import (
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/store"
)

// SearchHit is one ranked result
type SearchHit struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Excerpt      string    `json:"excerpt"`
	Score        float64   `json:"score"`
	Timestamp    time.Time `json:"ts"`
	SourceDomain string    `json:"source_domain"`
}

// candidate carries one scorable document from RAM or a shard
type candidate struct {
	url          string
	title        string
	excerpt      string
	text         string
	storedScore  float64
	hasStored    bool
	createdAt    time.Time
	sourceDomain string
	contentHash  string
}

// Searcher ranks the union of in-memory results and recent shard records
// with BM25, fused with stored relevance scores where present.
type Searcher struct {
	store       *store.ResultStore
	shards      *store.ShardWriter
	maxScanDocs int
	logger      arbor.ILogger
}

// NewSearcher creates a searcher over the store and shard substrate.
func NewSearcher(resultStore *store.ResultStore, shards *store.ShardWriter, maxScanDocs int, logger arbor.ILogger) *Searcher {
	if maxScanDocs <= 0 {
		maxScanDocs = 10_000
	}
	return &Searcher{
		store:       resultStore,
		shards:      shards,
		maxScanDocs: maxScanDocs,
		logger:      logger,
	}
}

// Search ranks candidates against the query. The corpus is every RAM entry
// plus every live shard record within freshnessDays, capped at the scan
// limit. BM25 scores are normalized to [0,1] against the best candidate
// before fusing with stored scores.
func (s *Searcher) Search(query string, limit int, minScore float64, freshnessDays int) []SearchHit {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 || limit <= 0 {
		return nil
	}

	candidates := s.gather(freshnessDays)
	if len(candidates) == 0 {
		return nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.text
	}
	idx := NewBM25Index(texts)
	raw := idx.ScoreAll(queryTokens)

	var maxRaw float64
	for _, r := range raw {
		if r > maxRaw {
			maxRaw = r
		}
	}

	hits := make([]SearchHit, 0, len(candidates))
	for i, c := range candidates {
		bm25 := 0.0
		if maxRaw > 0 {
			bm25 = raw[i] / maxRaw
		}
		final := bm25
		if c.hasStored {
			final = (c.storedScore + bm25) / 2
		}
		if final < minScore {
			continue
		}
		hits = append(hits, SearchHit{
			URL:          c.url,
			Title:        c.title,
			Excerpt:      c.excerpt,
			Score:        final,
			Timestamp:    c.createdAt,
			SourceDomain: c.sourceDomain,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	s.logger.Debug().
		Str("query", query).
		Int("candidates", len(candidates)).
		Int("hits", len(hits)).
		Msg("Search completed")
	return hits
}

// gather unions RAM entries with recent shard records, deduplicating by
// content hash with RAM taking precedence, capped at the scan limit.
func (s *Searcher) gather(freshnessDays int) []candidate {
	seen := make(map[string]bool)
	var out []candidate

	for _, r := range s.store.List(nil) {
		if len(out) >= s.maxScanDocs {
			return out
		}
		if r.ContentHash != "" {
			seen[r.ContentHash] = true
		}
		out = append(out, candidate{
			url:          r.URL,
			title:        r.Title,
			excerpt:      r.Excerpt,
			text:         r.NormalizedText,
			storedScore:  r.Score,
			hasStored:    true,
			createdAt:    r.CreatedAt,
			sourceDomain: r.SourceDomain,
			contentHash:  r.ContentHash,
		})
	}

	if s.shards == nil || freshnessDays <= 0 {
		return out
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -freshnessDays)
	budget := s.maxScanDocs - len(out)
	if budget <= 0 {
		return out
	}

	err := s.shards.ReadSince(cutoff, budget, func(rec models.ShardRecord) bool {
		if rec.ContentHash != "" && seen[rec.ContentHash] {
			return true
		}
		if rec.ContentHash != "" {
			seen[rec.ContentHash] = true
		}
		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		out = append(out, candidate{
			url:          rec.URL,
			title:        rec.Title,
			excerpt:      rec.Excerpt,
			text:         rec.NormalizedText,
			storedScore:  rec.Score,
			hasStored:    true,
			createdAt:    createdAt,
			sourceDomain: rec.SourceDomain,
			contentHash:  rec.ContentHash,
		})
		return len(out) < s.maxScanDocs
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Shard scan failed, searching RAM entries only")
	}
	return out
}
