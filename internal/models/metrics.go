package models

import (
	"sync"
	"time"
)

// CategoryMetrics holds request counters for one job category
type CategoryMetrics struct {
	PagesCrawled int64     `json:"pages_crawled"`
	PagesFailed  int64     `json:"pages_failed"`
	Requests429  int64     `json:"requests_429"`
	Requests5xx  int64     `json:"requests_5xx"`
	LastError    time.Time `json:"last_error,omitempty"`
}

// CrawlMetrics aggregates per-category counters under a single mutex
type CrawlMetrics struct {
	mu         sync.Mutex
	categories map[JobCategory]*CategoryMetrics
}

// NewCrawlMetrics creates an empty metrics registry.
func NewCrawlMetrics() *CrawlMetrics {
	return &CrawlMetrics{categories: make(map[JobCategory]*CategoryMetrics)}
}

func (m *CrawlMetrics) get(cat JobCategory) *CategoryMetrics {
	c, ok := m.categories[cat]
	if !ok {
		c = &CategoryMetrics{}
		m.categories[cat] = c
	}
	return c
}

// RecordSuccess counts one processed page.
func (m *CrawlMetrics) RecordSuccess(cat JobCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(cat).PagesCrawled++
}

// RecordFailure counts one failed page and stamps the last error time.
func (m *CrawlMetrics) RecordFailure(cat JobCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.get(cat)
	c.PagesFailed++
	c.LastError = time.Now().UTC()
}

// Record429 counts a throttled response.
func (m *CrawlMetrics) Record429(cat JobCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.get(cat)
	c.Requests429++
	c.LastError = time.Now().UTC()
}

// Record5xx counts an upstream server error.
func (m *CrawlMetrics) Record5xx(cat JobCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.get(cat)
	c.Requests5xx++
	c.LastError = time.Now().UTC()
}

// Snapshot returns a copy of all per-category counters.
func (m *CrawlMetrics) Snapshot() map[JobCategory]CategoryMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[JobCategory]CategoryMetrics, len(m.categories))
	for cat, c := range m.categories {
		out[cat] = *c
	}
	return out
}
