package models

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/forager/internal/common"
)

// JobStatus represents the state of a crawl job
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusPartialComplete JobStatus = "partial_complete"
	JobStatusFailed          JobStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartialComplete || s == JobStatusFailed
}

// JobPriority selects which dispatch queue a job is enqueued on
type JobPriority string

const (
	PriorityHigh JobPriority = "high"
	PriorityLow  JobPriority = "low"
)

// JobCategory classifies jobs for metrics accounting
type JobCategory string

const (
	CategoryUser       JobCategory = "user"
	CategoryAuto       JobCategory = "auto"
	CategoryBackground JobCategory = "background"
)

// CrawlJob is a self-contained crawl request. Parameters are snapshot at
// creation time; the job is mutated only by the worker that owns it between
// dequeue and terminal state.
type CrawlJob struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Keywords           []string    `json:"keywords" validate:"required,min=1,dive,min=1"`
	Seeds              []string    `json:"seeds" validate:"required,min=1,dive,url"`
	MaxDepth           int         `json:"max_depth" validate:"min=0,max=5"`
	MaxPages           int         `json:"max_pages" validate:"min=1,max=500"`
	RelevanceThreshold float64     `json:"relevance_threshold" validate:"min=0.1,max=0.95"`
	RateLimitSeconds   float64     `json:"rate_limit_seconds" validate:"min=0.1,max=10"`
	AllowExternal      bool        `json:"allow_external"`
	UserContext        string      `json:"user_context,omitempty"`
	RequestedBy        string      `json:"requested_by"`
	Priority           JobPriority `json:"priority"`

	// OllamaAssisted enables LLM relevance fusion during scoring
	OllamaAssisted bool   `json:"ollama_assisted"`
	OllamaQuery    string `json:"ollama_query,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Status       JobStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	PagesCrawled int       `json:"pages_crawled"`
	// Results holds the IDs of stored results in production order
	Results []string `json:"results"`
	// Error is a concise description of why the job failed, set only on
	// terminal failure
	Error string `json:"error,omitempty"`

	// AllowedDomains caches the seed hosts for allow_external enforcement.
	// Captured at creation and immutable afterwards.
	AllowedDomains []string `json:"allowed_domains,omitempty"`

	// BlockedSeeds records seeds rejected by the SSRF guard at creation
	BlockedSeeds []string `json:"blocked_seeds,omitempty"`
}

var jobValidator = validator.New()

// NewCrawlJob builds a job with defaults applied, the category-relevant
// fields normalized and the allowed-domain cache populated. Parameter bounds
// are enforced by Validate.
func NewCrawlJob(keywords, seeds []string, requestedBy string) *CrawlJob {
	now := time.Now().UTC()
	job := &CrawlJob{
		ID:                 common.NewJobID(),
		Keywords:           keywords,
		Seeds:              seeds,
		MaxDepth:           1,
		MaxPages:           25,
		RelevanceThreshold: 0.35,
		RateLimitSeconds:   1.0,
		RequestedBy:        requestedBy,
		Priority:           PriorityLow,
		Status:             JobStatusQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
		Results:            []string{},
	}
	job.CacheAllowedDomains()
	return job
}

// Validate checks parameter bounds. Seeds must already be absolute http(s)
// URLs; SSRF screening happens separately at creation.
func (j *CrawlJob) Validate() error {
	return jobValidator.Struct(j)
}

// Category derives the metrics category from the requester and priority.
func (j *CrawlJob) Category() JobCategory {
	if j.RequestedBy == "user" || j.Priority == PriorityHigh {
		return CategoryUser
	}
	if j.RequestedBy == "auto_crawler" || j.RequestedBy == "auto" {
		return CategoryAuto
	}
	return CategoryBackground
}

// RateLimit returns the per-host base pacing as a duration.
func (j *CrawlJob) RateLimit() time.Duration {
	return time.Duration(j.RateLimitSeconds * float64(time.Second))
}

// CacheAllowedDomains captures the seed hosts. Called once at creation; the
// set is immutable afterwards.
func (j *CrawlJob) CacheAllowedDomains() {
	seen := make(map[string]bool, len(j.Seeds))
	domains := make([]string, 0, len(j.Seeds))
	for _, seed := range j.Seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if !seen[host] {
			seen[host] = true
			domains = append(domains, host)
		}
	}
	j.AllowedDomains = domains
}

// DomainAllowed reports whether a host belongs to the cached seed domains.
func (j *CrawlJob) DomainAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, d := range j.AllowedDomains {
		if host == d {
			return true
		}
	}
	return false
}

// Clone returns a detached copy with its own slice headers, safe to hand to
// callers outside the worker that owns the job. The caller synchronizes the
// copy itself; Metadata is shared and immutable after creation.
func (j *CrawlJob) Clone() *CrawlJob {
	cp := *j
	cp.Keywords = append([]string(nil), j.Keywords...)
	cp.Seeds = append([]string(nil), j.Seeds...)
	cp.Results = append([]string(nil), j.Results...)
	cp.AllowedDomains = append([]string(nil), j.AllowedDomains...)
	cp.BlockedSeeds = append([]string(nil), j.BlockedSeeds...)
	return &cp
}

// MarkTerminal transitions the job to a final state and stamps completion.
func (j *CrawlJob) MarkTerminal(status JobStatus, errMsg string) {
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	j.CompletedAt = now
	if errMsg != "" {
		j.Error = errMsg
	}
}
