package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ResultStatus represents the publication state of a crawl result
type ResultStatus string

const (
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusCrawled   ResultStatus = "crawled"
	ResultStatusPublished ResultStatus = "published"
	ResultStatusError     ResultStatus = "error"
)

const (
	// ExcerptMaxLen bounds the stored excerpt
	ExcerptMaxLen = 420
	// HeadlineMaxLen bounds the optional headline
	HeadlineMaxLen = 120
)

// CrawlFeedback is a single rating attached to a result
type CrawlFeedback struct {
	Score     float64   `json:"score"` // clamped to [0,5]
	Comment   string    `json:"comment,omitempty"`
	Source    string    `json:"source"`
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

// CrawlResult is one extracted, scored article-like page. The full Content
// body lives only in memory; the shard stream persists everything else
// including NormalizedText.
type CrawlResult struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	URL          string `json:"url"`
	SourceDomain string `json:"source_domain"`
	ParentURL    string `json:"parent_url,omitempty"`
	Depth        int    `json:"depth"`

	Title                  string `json:"title"`
	Headline               string `json:"headline,omitempty"`
	Content                string `json:"content"`
	Excerpt                string `json:"excerpt"`
	Summary                string `json:"summary,omitempty"`
	MetaDescription        string `json:"meta_description,omitempty"`
	PublishDate            string `json:"publish_date,omitempty"` // RFC3339 UTC
	NormalizedText         string `json:"normalized_text,omitempty"`
	ContentHash            string `json:"content_hash"`
	TokensEst              int    `json:"tokens_est"`
	ExtractedContentOllama string `json:"extracted_content_ollama,omitempty"`

	Score           float64  `json:"score"`
	KeywordsMatched []string `json:"keywords_matched,omitempty"`
	Tags            []string `json:"tags,omitempty"`

	Feedback      []CrawlFeedback `json:"feedback,omitempty"`
	RatingCount   int             `json:"rating_count"`
	RatingAverage float64         `json:"rating_average"`
	Confirmations int             `json:"confirmations"`

	PostedAt *time.Time   `json:"posted_at,omitempty"`
	PostID   string       `json:"post_id,omitempty"`
	TopicID  string       `json:"topic_id,omitempty"`
	Status   ResultStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// SizeBytes is the UTF-8 JSON size including the full content body,
	// maintained by the result store for memory accounting
	SizeBytes int `json:"size_bytes"`
}

// ComputeSize serializes the result and records its byte size.
func (r *CrawlResult) ComputeSize() int {
	data, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	r.SizeBytes = len(data)
	return r.SizeBytes
}

// AddFeedback appends a rating with the score clamped to [0,5] and
// recomputes the derived aggregates.
func (r *CrawlResult) AddFeedback(score float64, comment, source string, confirmed bool) {
	if score < 0 {
		score = 0
	}
	if score > 5 {
		score = 5
	}
	r.Feedback = append(r.Feedback, CrawlFeedback{
		Score:     score,
		Comment:   comment,
		Source:    source,
		Confirmed: confirmed,
		CreatedAt: time.Now().UTC(),
	})
	if confirmed {
		r.Confirmations++
	}
	r.RatingCount = len(r.Feedback)
	var sum float64
	for _, fb := range r.Feedback {
		sum += fb.Score
	}
	if r.RatingCount > 0 {
		r.RatingAverage = sum / float64(r.RatingCount)
	} else {
		r.RatingAverage = 0
	}
	r.UpdatedAt = time.Now().UTC()
}

// MarkPosted records a successful publication.
func (r *CrawlResult) MarkPosted(postID, topicID string) {
	now := time.Now().UTC()
	r.PostedAt = &now
	r.PostID = postID
	r.TopicID = topicID
	r.Status = ResultStatusPublished
	r.UpdatedAt = now
}

// BuildTags merges matched keywords with job metadata tags, lowercased and
// sorted.
func BuildTags(matched []string, jobMetadata map[string]interface{}) []string {
	set := make(map[string]bool)
	for _, k := range matched {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = true
		}
	}
	if jobMetadata != nil {
		if raw, ok := jobMetadata["tags"]; ok {
			switch v := raw.(type) {
			case []string:
				for _, t := range v {
					t = strings.ToLower(strings.TrimSpace(t))
					if t != "" {
						set[t] = true
					}
				}
			case []interface{}:
				for _, item := range v {
					if s, ok := item.(string); ok {
						s = strings.ToLower(strings.TrimSpace(s))
						if s != "" {
							set[s] = true
						}
					}
				}
			}
		}
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// ShardRecord is the closed on-disk schema for one flushed result. The full
// content body is omitted; unknown fields are ignored on read.
type ShardRecord struct {
	ID              string   `json:"id"`
	JobID           string   `json:"job_id"`
	URL             string   `json:"url"`
	SourceDomain    string   `json:"source_domain"`
	ParentURL       string   `json:"parent_url,omitempty"`
	Depth           int      `json:"depth"`
	Title           string   `json:"title"`
	Excerpt         string   `json:"excerpt"`
	MetaDescription string   `json:"meta_description,omitempty"`
	PublishDate     string   `json:"publish_date,omitempty"`
	NormalizedText  string   `json:"normalized_text,omitempty"`
	ContentHash     string   `json:"content_hash"`
	TokensEst       int      `json:"tokens_est"`
	Score           float64  `json:"score"`
	KeywordsMatched []string `json:"keywords_matched,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"created_at"`
}

// ToShardRecord projects the result onto the shard schema.
func (r *CrawlResult) ToShardRecord() ShardRecord {
	return ShardRecord{
		ID:              r.ID,
		JobID:           r.JobID,
		URL:             r.URL,
		SourceDomain:    r.SourceDomain,
		ParentURL:       r.ParentURL,
		Depth:           r.Depth,
		Title:           r.Title,
		Excerpt:         r.Excerpt,
		MetaDescription: r.MetaDescription,
		PublishDate:     r.PublishDate,
		NormalizedText:  r.NormalizedText,
		ContentHash:     r.ContentHash,
		TokensEst:       r.TokensEst,
		Score:           r.Score,
		KeywordsMatched: r.KeywordsMatched,
		Tags:            r.Tags,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
