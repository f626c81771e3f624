package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/ssrf"
	"github.com/ternarybob/forager/internal/services/state"
	"github.com/ternarybob/forager/internal/services/store"
)

const (
	highQueuePoll = 100 * time.Millisecond
	lowQueuePoll  = time.Second
)

// linkBlocklist rejects hrefs whose string contains any of these fragments
var linkBlocklist = []string{
	"/login", "/signin", "/sign-in", "/signup", "/sign-up", "/register",
	"/cart", "/checkout", "/account", "/logout",
	"facebook.com", "twitter.com", "//x.com", "instagram.com", "linkedin.com",
	"youtube.com", "pinterest.com", "tiktok.com", "reddit.com/login",
	"mailto:", "tel:",
}

// PageFetcher renders one URL. Satisfied by Fetcher; faked in tests.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*FetchedPage, models.PageOutcome)
}

// SafetyChecker screens URLs before fetch or enqueue. Satisfied by
// ssrf.Guard.
type SafetyChecker interface {
	IsSafe(ctx context.Context, rawURL string) (bool, string)
	FilterSeeds(ctx context.Context, seeds []string) (safe, blocked []string)
}

var _ SafetyChecker = (*ssrf.Guard)(nil)

// workerDeps bundles the collaborators shared by every worker in a pool
type workerDeps struct {
	highQueue *JobQueue
	lowQueue  *JobQueue
	fetcher   PageFetcher
	extractor *Extractor
	scorer    *Scorer
	hosts     *HostCoordinator
	guard     SafetyChecker
	state     *state.SharedState
	store     *store.ResultStore
	metrics   *models.CrawlMetrics
	logger    arbor.ILogger

	jobTimeout time.Duration
	// lastHeartbeat is unix nanos of the most recent pipeline activity
	lastHeartbeat *atomic.Int64
	// jobState guards mutable job fields against registry readers
	jobState *sync.Mutex
	// onBufferFull schedules an asynchronous train-buffer flush
	onBufferFull func()
	// onJobDone is invoked after a job reaches a terminal state
	onJobDone func(*models.CrawlJob)
}

// crawlTarget is one frontier entry
type crawlTarget struct {
	url    string
	depth  int
	parent string
}

// Worker pulls jobs off the priority queues and drives them to a terminal
// state. Each worker is sequential; parallelism is across workers.
type Worker struct {
	id   int
	deps *workerDeps
}

// run is the worker loop: high queue at 100ms, then low queue at 1s.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job := w.deps.highQueue.Dequeue(ctx, highQueuePoll)
		if job == nil {
			job = w.deps.lowQueue.Dequeue(ctx, lowQueuePoll)
		}
		if job == nil {
			continue
		}
		w.runJob(ctx, job)
	}
}

// runJob executes one crawl job under its wall-clock bound. A panic in the
// pipeline marks the job failed and the worker keeps running.
func (w *Worker) runJob(ctx context.Context, job *models.CrawlJob) {
	defer func() {
		if r := recover(); r != nil {
			w.markTerminal(job, models.JobStatusFailed, fmt.Sprintf("worker panic: %v", r))
			w.deps.logger.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprint(r)).
				Msg("Job failed on worker panic")
			w.finish(job)
		}
	}()

	w.deps.jobState.Lock()
	job.Status = models.JobStatusRunning
	job.UpdatedAt = time.Now().UTC()
	w.deps.jobState.Unlock()
	w.deps.logger.Info().
		Int("worker", w.id).
		Str("job_id", job.ID).
		Str("category", string(job.Category())).
		Int("seeds", len(job.Seeds)).
		Msg("Job started")

	jobCtx, cancel := context.WithTimeout(ctx, w.deps.jobTimeout)
	defer cancel()

	frontier := make([]crawlTarget, 0, len(job.Seeds))
	for _, seed := range job.Seeds {
		frontier = append(frontier, crawlTarget{url: seed, depth: 0})
	}
	// Seeds count as seen so discovered links cannot revisit them
	for _, seed := range job.Seeds {
		w.deps.state.MarkSeen(state.HashURL(seed))
	}

	for len(frontier) > 0 && job.PagesCrawled < job.MaxPages {
		if jobCtx.Err() != nil {
			break
		}
		target := frontier[0]
		frontier = frontier[1:]

		links := w.crawlPage(jobCtx, job, target)

		if target.depth < job.MaxDepth && job.PagesCrawled < job.MaxPages {
			budget := job.MaxPages - job.PagesCrawled
			if len(links) > budget {
				links = links[:budget]
			}
			for _, l := range links {
				frontier = append(frontier, crawlTarget{url: l, depth: target.depth + 1, parent: target.url})
			}
		}
	}

	switch {
	case jobCtx.Err() != nil && ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		w.markTerminal(job, models.JobStatusPartialComplete, "job wall-clock limit reached")
	case ctx.Err() != nil:
		w.markTerminal(job, models.JobStatusPartialComplete, "shutdown requested")
	default:
		w.markTerminal(job, models.JobStatusCompleted, "")
	}

	w.deps.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("pages_crawled", job.PagesCrawled).
		Int("results", len(job.Results)).
		Msg("Job finished")
	w.finish(job)
}

func (w *Worker) finish(job *models.CrawlJob) {
	if w.deps.onJobDone != nil {
		w.deps.onJobDone(job)
	}
}

// markTerminal applies the terminal transition under the job-state lock.
func (w *Worker) markTerminal(job *models.CrawlJob, status models.JobStatus, errMsg string) {
	w.deps.jobState.Lock()
	job.MarkTerminal(status, errMsg)
	w.deps.jobState.Unlock()
}

// crawlPage runs the full per-URL pipeline and returns the discovered links
// eligible for enqueueing.
func (w *Worker) crawlPage(ctx context.Context, job *models.CrawlJob, target crawlTarget) []string {
	w.deps.lastHeartbeat.Store(time.Now().UnixNano())
	category := job.Category()

	host := hostOf(target.url)
	if host == "" {
		w.deps.metrics.RecordFailure(category)
		return nil
	}

	if err := w.deps.hosts.Acquire(ctx, host, job.RateLimit()); err != nil {
		return nil
	}

	page, outcome := w.deps.fetcher.Fetch(ctx, target.url)
	w.deps.hosts.Release(host, outcome.StatusCode)

	switch outcome.Kind {
	case models.OutcomeOK:
	case models.OutcomeThrottled:
		w.deps.metrics.Record429(category)
		return nil
	case models.OutcomeServerError:
		w.deps.metrics.Record5xx(category)
		return nil
	default:
		w.deps.metrics.RecordFailure(category)
		w.deps.logger.Debug().
			Str("url", target.url).
			Str("outcome", string(outcome.Kind)).
			Msg("Page skipped")
		return nil
	}

	ex, err := w.deps.extractor.Extract(page.HTML, target.url)
	if err != nil {
		w.deps.metrics.RecordFailure(category)
		w.deps.logger.Debug().Err(err).Str("url", target.url).Msg("Extraction failed")
		return nil
	}

	score, matched, extracted := w.deps.scorer.Score(ctx, ex.NormalizedText, job.Keywords, job.OllamaAssisted, job.OllamaQuery)

	if score >= job.RelevanceThreshold {
		result := w.buildResult(job, target, ex, score, matched, extracted)
		storedID := w.deps.store.Add(result)

		w.deps.jobState.Lock()
		job.Results = append(job.Results, storedID)
		w.deps.jobState.Unlock()

		if w.deps.store.Buffer(result.ToShardRecord()) && w.deps.onBufferFull != nil {
			w.deps.onBufferFull()
		}
	}

	w.deps.jobState.Lock()
	job.PagesCrawled++
	job.UpdatedAt = time.Now().UTC()
	w.deps.jobState.Unlock()

	w.deps.metrics.RecordSuccess(category)

	if job.PagesCrawled >= job.MaxPages {
		return nil
	}
	return w.filterLinks(ctx, job, ex.Links)
}

// buildResult assembles the stored record for one qualifying page.
func (w *Worker) buildResult(job *models.CrawlJob, target crawlTarget, ex *Extraction, score float64, matched []string, extracted string) *models.CrawlResult {
	now := time.Now().UTC()
	r := &models.CrawlResult{
		ID:                     common.NewResultID(),
		JobID:                  job.ID,
		URL:                    target.url,
		SourceDomain:           hostOf(target.url),
		ParentURL:              target.parent,
		Depth:                  target.depth,
		Title:                  ex.Title,
		Content:                ex.Markdown,
		Excerpt:                ex.Excerpt,
		MetaDescription:        ex.MetaDescription,
		PublishDate:            ex.PublishDate,
		NormalizedText:         ex.NormalizedText,
		ContentHash:            ex.ContentHash,
		TokensEst:              ex.TokensEst,
		ExtractedContentOllama: extracted,
		Score:                  score,
		KeywordsMatched:        matched,
		Tags:                   models.BuildTags(matched, job.Metadata),
		Status:                 models.ResultStatusCrawled,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	r.ComputeSize()
	return r
}

// filterLinks applies the blocklist, external-domain policy, SSRF guard and
// seen-set fence to discovered links.
func (w *Worker) filterLinks(ctx context.Context, job *models.CrawlJob, links []string) []string {
	var survivors []string
	for _, link := range links {
		if blockedLink(link) {
			continue
		}
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		if !job.AllowExternal && !job.DomainAllowed(u.Hostname()) {
			continue
		}
		if ok, _ := w.deps.guard.IsSafe(ctx, link); !ok {
			continue
		}
		if !w.deps.state.MarkSeen(state.HashURL(link)) {
			continue
		}
		survivors = append(survivors, link)
	}
	return survivors
}

// blockedLink reports whether the href contains a blocklisted fragment.
func blockedLink(link string) bool {
	lower := strings.ToLower(link)
	for _, frag := range linkBlocklist {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// hostOf returns the lowercased hostname of a URL, or "".
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
