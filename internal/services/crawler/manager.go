package crawler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/state"
	"github.com/ternarybob/forager/internal/services/store"
)

// DefaultManagerName marks the instance that runs the auto-crawl loop
const DefaultManagerName = "default"

// ManagerSnapshot is the observable state of one manager instance
type ManagerSnapshot struct {
	Name          string                                        `json:"name"`
	Running       bool                                          `json:"running"`
	Workers       int                                           `json:"workers"`
	HighQueue     int                                           `json:"high_queue"`
	LowQueue      int                                           `json:"low_queue"`
	TotalQueued   int                                           `json:"total_queued"`
	LastHeartbeat time.Time                                     `json:"last_heartbeat"`
	Categories    map[models.JobCategory]models.CategoryMetrics `json:"categories"`
}

// Manager owns the job registry, the two priority queues and a worker pool.
// Multiple managers may share the same SharedState, ResultStore and
// HostCoordinator; only the instance named "default" runs the auto-crawl
// loop.
type Manager struct {
	name   string
	config *common.Config
	logger arbor.ILogger

	highQueue *JobQueue
	lowQueue  *JobQueue

	mu      sync.Mutex
	jobs    map[string]*models.CrawlJob
	running bool

	// jobStateMu guards the mutable fields of registered jobs: the owning
	// worker writes under it, registry readers clone under it
	jobStateMu sync.Mutex

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerWG     sync.WaitGroup
	workerCount  int
	maxWorkers   int

	deps          *workerDeps
	sharedState   *state.SharedState
	resultStore   *store.ResultStore
	shardWriter   *store.ShardWriter
	guard         SafetyChecker
	metrics       *models.CrawlMetrics
	lastHeartbeat atomic.Int64

	flushMu sync.Mutex
	cron    *cron.Cron
	catalog *SourceCatalog
}

// ManagerOptions bundles the shared substrate a manager builds on
type ManagerOptions struct {
	Name        string
	Config      *common.Config
	SharedState *state.SharedState
	ResultStore *store.ResultStore
	ShardWriter *store.ShardWriter
	Hosts       *HostCoordinator
	Fetcher     PageFetcher
	Scorer      *Scorer
	Guard       SafetyChecker
	Metrics     *models.CrawlMetrics
	Catalog     *SourceCatalog
	Logger      arbor.ILogger
}

// NewManager wires a manager instance over the shared substrate.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		name:        opts.Name,
		config:      opts.Config,
		logger:      opts.Logger,
		highQueue:   NewJobQueue(),
		lowQueue:    NewJobQueue(),
		jobs:        make(map[string]*models.CrawlJob),
		sharedState: opts.SharedState,
		resultStore: opts.ResultStore,
		shardWriter: opts.ShardWriter,
		guard:       opts.Guard,
		metrics:     opts.Metrics,
		catalog:     opts.Catalog,
		maxWorkers:  opts.Config.Crawler.UserMaxConcurrent,
	}
	m.lastHeartbeat.Store(time.Now().UnixNano())

	m.deps = &workerDeps{
		highQueue:     m.highQueue,
		lowQueue:      m.lowQueue,
		fetcher:       opts.Fetcher,
		extractor:     NewExtractor(opts.Logger),
		scorer:        opts.Scorer,
		hosts:         opts.Hosts,
		guard:         opts.Guard,
		state:         opts.SharedState,
		store:         opts.ResultStore,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		jobTimeout:    opts.Config.Crawler.JobTimeout,
		lastHeartbeat: &m.lastHeartbeat,
		jobState:      &m.jobStateMu,
		onBufferFull:  func() { go m.FlushTrainBuffer() },
	}
	return m
}

// CreateJob validates, SSRF-screens and enqueues a crawl job. An
// idempotency-key hit returns the pre-existing job without a second
// dispatch. A job whose seeds are all blocked is rejected.
func (m *Manager) CreateJob(ctx context.Context, job *models.CrawlJob) (*models.CrawlJob, error) {
	if job.IdempotencyKey != "" {
		if jobID, ok := m.sharedState.GetJobForKey(job.IdempotencyKey); ok {
			if existing, ok := m.GetJob(jobID); ok {
				m.logger.Info().
					Str("idempotency_key", job.IdempotencyKey).
					Str("job_id", jobID).
					Msg("Idempotent job creation, returning existing job")
				return existing, nil
			}
		}
	}

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	safe, blocked := m.guard.FilterSeeds(ctx, job.Seeds)
	if len(safe) == 0 {
		return nil, fmt.Errorf("all %d seeds rejected by safety screening", len(job.Seeds))
	}
	job.Seeds = safe
	job.BlockedSeeds = blocked
	job.CacheAllowedDomains()

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if job.IdempotencyKey != "" {
		m.sharedState.RegisterJobForKey(job.IdempotencyKey, job.ID)
	}

	// Snapshot before dispatch: once enqueued the owning worker mutates the
	// registered job
	snapshot := job.Clone()

	if job.Priority == models.PriorityHigh {
		m.highQueue.Enqueue(job)
	} else {
		m.lowQueue.Enqueue(job)
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("priority", string(job.Priority)).
		Str("category", string(job.Category())).
		Int("seeds", len(job.Seeds)).
		Int("blocked_seeds", len(blocked)).
		Msg("Job created")
	return snapshot, nil
}

// GetJob returns a detached copy of a registered job.
func (m *Manager) GetJob(id string) (*models.CrawlJob, bool) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	m.jobStateMu.Lock()
	defer m.jobStateMu.Unlock()
	return job.Clone(), true
}

// ListJobs returns detached copies of all registered jobs, newest first.
func (m *Manager) ListJobs() []*models.CrawlJob {
	m.mu.Lock()
	registered := make([]*models.CrawlJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		registered = append(registered, j)
	}
	m.mu.Unlock()

	m.jobStateMu.Lock()
	out := make([]*models.CrawlJob, 0, len(registered))
	for _, j := range registered {
		out = append(out, j.Clone())
	}
	m.jobStateMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Start launches the worker pool and periodic tasks. Idempotent: a running
// manager is resized instead.
func (m *Manager) Start(workerCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if workerCount <= 0 {
		workerCount = m.config.Crawler.UserWorkers
	}
	if m.maxWorkers > 0 && workerCount > m.maxWorkers {
		workerCount = m.maxWorkers
	}

	if m.running {
		m.resizeLocked(workerCount)
		return nil
	}

	m.workerCtx, m.workerCancel = context.WithCancel(context.Background())
	for i := 0; i < workerCount; i++ {
		m.spawnWorkerLocked(i)
	}
	m.workerCount = workerCount
	m.running = true

	m.startPeriodicsLocked()

	m.logger.Info().
		Str("manager", m.name).
		Int("workers", workerCount).
		Msg("Crawl manager started")
	return nil
}

// spawnWorkerLocked starts one worker goroutine. Caller holds the mutex.
func (m *Manager) spawnWorkerLocked(id int) {
	w := &Worker{id: id, deps: m.deps}
	m.workerWG.Add(1)
	go func() {
		defer m.workerWG.Done()
		w.run(m.workerCtx)
	}()
}

// resizeLocked adjusts the pool to target. Scale-down restarts the pool:
// workers are cancelable at every suspension point, so the restart is
// bounded by in-flight page fetches. Caller holds the mutex.
func (m *Manager) resizeLocked(target int) {
	if target == m.workerCount {
		return
	}
	if target > m.workerCount {
		for i := m.workerCount; i < target; i++ {
			m.spawnWorkerLocked(i)
		}
		m.logger.Info().Str("manager", m.name).Int("workers", target).Msg("Worker pool scaled up")
		m.workerCount = target
		return
	}

	m.workerCancel()
	m.workerWG.Wait()
	m.workerCtx, m.workerCancel = context.WithCancel(context.Background())
	for i := 0; i < target; i++ {
		m.spawnWorkerLocked(i)
	}
	m.logger.Info().Str("manager", m.name).Int("workers", target).Msg("Worker pool scaled down")
	m.workerCount = target
}

// Resize sets the target worker pool size at runtime.
func (m *Manager) Resize(target int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || target <= 0 {
		return
	}
	if m.maxWorkers > 0 && target > m.maxWorkers {
		target = m.maxWorkers
	}
	m.resizeLocked(target)
}

// startPeriodicsLocked registers the flush, compaction and auto-crawl
// schedules. Caller holds the mutex.
func (m *Manager) startPeriodicsLocked() {
	m.cron = cron.New()

	flushEvery := m.config.Store.FlushInterval
	if flushEvery <= 0 {
		flushEvery = time.Hour
	}
	m.cron.Schedule(cron.Every(flushEvery), cron.FuncJob(func() {
		m.FlushTrainBuffer()
	}))

	m.cron.Schedule(cron.Every(24*time.Hour), cron.FuncJob(func() {
		m.shardWriter.Compact(time.Duration(m.config.Store.RetentionDays) * 24 * time.Hour)
	}))

	if m.name == DefaultManagerName && m.config.Crawler.AutoEnabled && m.catalog != nil {
		m.cron.Schedule(cron.Every(24*time.Hour), cron.FuncJob(func() {
			m.enqueueAutoCrawl()
		}))
	}

	m.cron.Start()
}

// enqueueAutoCrawl submits the broad background job over the source
// catalog.
func (m *Manager) enqueueAutoCrawl() {
	job := models.NewCrawlJob(m.catalog.AllKeywords(), m.catalog.AllSeeds(), "auto_crawler")
	job.Priority = models.PriorityLow
	job.MaxDepth = 1
	job.MaxPages = 100
	job.OllamaAssisted = true
	job.AllowExternal = false

	if _, err := m.CreateJob(context.Background(), job); err != nil {
		m.logger.Warn().Err(err).Msg("Auto-crawl job creation failed")
		return
	}
	m.logger.Info().
		Str("job_id", job.ID).
		Int("seeds", len(job.Seeds)).
		Msg("Auto-crawl job enqueued")
}

// FlushTrainBuffer drains the buffer into the current shard. Only one flush
// runs at a time; a write failure requeues the drained records.
func (m *Manager) FlushTrainBuffer() {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	records := m.resultStore.DrainBuffer()
	if len(records) == 0 {
		return
	}
	if err := m.shardWriter.Append(records); err != nil {
		m.logger.Warn().Err(err).Int("records", len(records)).Msg("Train flush failed, requeueing records")
		m.resultStore.Requeue(records)
	}
}

// Snapshot reports queue depths, metrics and heartbeat.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	running := m.running
	workers := m.workerCount
	m.mu.Unlock()

	return ManagerSnapshot{
		Name:          m.name,
		Running:       running,
		Workers:       workers,
		HighQueue:     m.highQueue.Len(),
		LowQueue:      m.lowQueue.Len(),
		TotalQueued:   m.highQueue.Len() + m.lowQueue.Len(),
		LastHeartbeat: time.Unix(0, m.lastHeartbeat.Load()).UTC(),
		Categories:    m.metrics.Snapshot(),
	}
}

// Stop cancels workers, stops periodics, flushes buffers and shared state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.workerCancel
	c := m.cron
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	m.workerWG.Wait()

	m.FlushTrainBuffer()
	if err := m.sharedState.Flush(); err != nil {
		m.logger.Warn().Err(err).Msg("Shared state flush on shutdown failed")
	}
	m.lastHeartbeat.Store(time.Now().UnixNano())

	m.logger.Info().Str("manager", m.name).Msg("Crawl manager stopped")
}
