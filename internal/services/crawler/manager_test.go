package crawler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/state"
	"github.com/ternarybob/forager/internal/services/store"
)

// fakeFetcher serves canned HTML per URL; unknown URLs 404
type fakeFetcher struct {
	pages map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*FetchedPage, models.PageOutcome) {
	html, ok := f.pages[rawURL]
	if !ok {
		return nil, models.PageOutcome{Kind: models.OutcomeClientError, StatusCode: 404}
	}
	page := &FetchedPage{URL: rawURL, FinalURL: rawURL, HTML: html, StatusCode: 200, ContentType: "text/html"}
	return page, models.PageOutcome{Kind: models.OutcomeOK, StatusCode: 200, ContentType: "text/html", HTML: html}
}

// allowAllGuard passes every URL
type allowAllGuard struct{}

func (allowAllGuard) IsSafe(_ context.Context, _ string) (bool, string) { return true, "" }

func (allowAllGuard) FilterSeeds(_ context.Context, seeds []string) (safe, blocked []string) {
	return seeds, nil
}

// blockAllGuard rejects every URL
type blockAllGuard struct{}

func (blockAllGuard) IsSafe(_ context.Context, _ string) (bool, string) {
	return false, "blocked"
}

func (blockAllGuard) FilterSeeds(_ context.Context, seeds []string) (safe, blocked []string) {
	return nil, seeds
}

func testManager(t *testing.T, pages map[string]string) *Manager {
	t.Helper()
	logger := common.GetLogger()
	cfg := common.NewDefaultConfig()
	cfg.Crawler.JobTimeout = 30 * time.Second

	sw, err := store.NewShardWriter(t.TempDir(), logger)
	require.NoError(t, err)

	return NewManager(ManagerOptions{
		Name:        "user",
		Config:      cfg,
		SharedState: state.New(filepath.Join(t.TempDir(), "state.json"), logger),
		ResultStore: store.NewResultStore(1<<20, 1000, logger),
		ShardWriter: sw,
		Hosts:       NewHostCoordinator(logger),
		Fetcher:     &fakeFetcher{pages: pages},
		Scorer:      NewScorer(nil, "", logger),
		Guard:       allowAllGuard{},
		Metrics:     models.NewCrawlMetrics(),
		Logger:      logger,
	})
}

func pageHTML(title, body string, links ...string) string {
	h := "<html><head><title>" + title + "</title></head><body><article><p>" + body + "</p>"
	for _, l := range links {
		h += `<a href="` + l + `">link</a>`
	}
	return h + "</article></body></html>"
}

func submitAndWait(t *testing.T, m *Manager, job *models.CrawlJob) *models.CrawlJob {
	t.Helper()
	created, err := m.CreateJob(context.Background(), job)
	require.NoError(t, err)

	deadline := time.After(20 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s did not reach a terminal state", created.ID)
		case <-time.After(50 * time.Millisecond):
		}
		got, ok := m.GetJob(created.ID)
		require.True(t, ok)
		if got.Status.IsTerminal() {
			return got
		}
	}
}

func TestManager_SingleSeedJob(t *testing.T) {
	seed := "https://example.com/post"
	m := testManager(t, map[string]string{
		seed: pageHTML("AI in Linux", "This post covers ai and linux software topics in depth."),
	})
	require.NoError(t, m.Start(2))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"ai", "linux", "software"}, []string{seed}, "user")
	job.Priority = models.PriorityHigh
	job.RateLimitSeconds = 0.1
	job.MaxPages = 10

	done := submitAndWait(t, m, job)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, models.CategoryUser, done.Category())
	assert.Equal(t, 1, done.PagesCrawled)
	require.Len(t, done.Results, 1)

	result, ok := m.resultStore.Get(done.Results[0])
	require.True(t, ok)
	assert.Equal(t, "example.com", result.SourceDomain)
	assert.Equal(t, 0, result.Depth)
	assert.GreaterOrEqual(t, result.Score, job.RelevanceThreshold)
}

func TestManager_DepthZeroDoesNotFollowLinks(t *testing.T) {
	seed := "https://example.com/"
	m := testManager(t, map[string]string{
		seed: pageHTML("Root", "linux content here", "https://example.com/child"),
		"https://example.com/child": pageHTML("Child", "more linux content"),
	})
	require.NoError(t, m.Start(1))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job.MaxDepth = 0
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh

	done := submitAndWait(t, m, job)
	assert.Equal(t, 1, done.PagesCrawled, "depth 0 fetches seeds only")
}

func TestManager_FollowsLinksWithinDomain(t *testing.T) {
	seed := "https://example.com/"
	m := testManager(t, map[string]string{
		seed: pageHTML("Root", "linux content at root",
			"https://example.com/a", "https://other.example.org/external"),
		"https://example.com/a": pageHTML("A", "linux content on page a"),
	})
	require.NoError(t, m.Start(1))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job.MaxDepth = 1
	job.MaxPages = 10
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh

	done := submitAndWait(t, m, job)
	// External link is skipped without allow_external
	assert.Equal(t, 2, done.PagesCrawled)
	assert.Len(t, done.Results, 2)
}

func TestManager_MaxPagesBound(t *testing.T) {
	seed := "https://example.com/"
	pages := map[string]string{
		seed: pageHTML("Root", "linux root",
			"https://example.com/a", "https://example.com/b", "https://example.com/c"),
		"https://example.com/a": pageHTML("A", "linux a"),
		"https://example.com/b": pageHTML("B", "linux b"),
		"https://example.com/c": pageHTML("C", "linux c"),
	}
	m := testManager(t, pages)
	require.NoError(t, m.Start(1))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job.MaxDepth = 2
	job.MaxPages = 2
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh

	done := submitAndWait(t, m, job)
	assert.LessOrEqual(t, done.PagesCrawled, 2)
}

func TestManager_IdempotentCreate(t *testing.T) {
	seed := "https://example.com/post"
	m := testManager(t, map[string]string{seed: pageHTML("T", "linux body")})

	job1 := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job1.IdempotencyKey = "k1"
	created1, err := m.CreateJob(context.Background(), job1)
	require.NoError(t, err)

	job2 := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job2.IdempotencyKey = "k1"
	created2, err := m.CreateJob(context.Background(), job2)
	require.NoError(t, err)

	assert.Equal(t, created1.ID, created2.ID)
	assert.Equal(t, 1, m.lowQueue.Len(), "second submission must not dispatch")

	jobID, ok := m.sharedState.GetJobForKey("k1")
	require.True(t, ok)
	assert.Equal(t, created1.ID, jobID)
}

func TestManager_GetJobReturnsDetachedCopy(t *testing.T) {
	seed := "https://example.com/post"
	m := testManager(t, map[string]string{seed: pageHTML("T", "linux body")})

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	created, err := m.CreateJob(context.Background(), job)
	require.NoError(t, err)

	got, ok := m.GetJob(created.ID)
	require.True(t, ok)
	got.Status = models.JobStatusFailed
	got.Results = append(got.Results, "res_bogus")
	got.Seeds[0] = "https://tampered.example.com/"

	again, ok := m.GetJob(created.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusQueued, again.Status, "registry copy untouched by caller mutation")
	assert.Empty(t, again.Results)
	assert.Equal(t, seed, again.Seeds[0])

	listed := m.ListJobs()
	require.Len(t, listed, 1)
	listed[0].Status = models.JobStatusFailed
	again, _ = m.GetJob(created.ID)
	assert.Equal(t, models.JobStatusQueued, again.Status)
}

func TestManager_ConcurrentStatusPolling(t *testing.T) {
	seed := "https://example.com/"
	pages := map[string]string{
		seed: pageHTML("Root", "linux content at root",
			"https://example.com/a", "https://example.com/b"),
		"https://example.com/a": pageHTML("A", "linux a"),
		"https://example.com/b": pageHTML("B", "linux b"),
	}
	m := testManager(t, pages)
	require.NoError(t, m.Start(2))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job.MaxDepth = 1
	job.MaxPages = 10
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh
	created, err := m.CreateJob(context.Background(), job)
	require.NoError(t, err)

	// Hammer the registry from several readers while the worker mutates the
	// job; snapshots must always be internally consistent
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if got, ok := m.GetJob(created.ID); ok {
					assert.LessOrEqual(t, got.PagesCrawled, got.MaxPages)
					if got.Status.IsTerminal() {
						assert.False(t, got.CompletedAt.IsZero())
					}
				}
				m.ListJobs()
			}
		}()
	}

	deadline := time.After(20 * time.Second)
	for {
		got, ok := m.GetJob(created.ID)
		require.True(t, ok)
		if got.Status.IsTerminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job did not finish")
		case <-time.After(50 * time.Millisecond):
		}
	}
	close(stop)
	readers.Wait()
}

func TestManager_AllSeedsBlocked(t *testing.T) {
	m := testManager(t, nil)
	m.guard = blockAllGuard{}
	m.deps.guard = blockAllGuard{}

	job := models.NewCrawlJob([]string{"linux"}, []string{"https://example.com"}, "user")
	_, err := m.CreateJob(context.Background(), job)
	assert.Error(t, err)

	_, ok := m.GetJob(job.ID)
	assert.False(t, ok, "rejected job must not be registered")
}

func TestManager_ValidationRejectsBadBounds(t *testing.T) {
	m := testManager(t, nil)

	job := models.NewCrawlJob([]string{"linux"}, []string{"https://example.com"}, "user")
	job.MaxDepth = 9
	_, err := m.CreateJob(context.Background(), job)
	assert.Error(t, err)
}

func TestManager_BelowThresholdStoresNothing(t *testing.T) {
	seed := "https://example.com/post"
	m := testManager(t, map[string]string{
		seed: pageHTML("Off topic", "gardening and cooking only"),
	})
	require.NoError(t, m.Start(1))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux", "kernel"}, []string{seed}, "user")
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh

	done := submitAndWait(t, m, job)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Empty(t, done.Results)
	assert.Equal(t, 0, m.resultStore.Len())
}

func TestManager_SnapshotAndMetrics(t *testing.T) {
	seed := "https://example.com/post"
	m := testManager(t, map[string]string{seed: pageHTML("T", "linux body")})
	require.NoError(t, m.Start(1))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh
	submitAndWait(t, m, job)

	snap := m.Snapshot()
	assert.Equal(t, "user", snap.Name)
	assert.True(t, snap.Running)
	assert.Equal(t, int64(1), snap.Categories[models.CategoryUser].PagesCrawled)
	assert.False(t, snap.LastHeartbeat.IsZero())
}

func TestManager_StopFlushesBuffer(t *testing.T) {
	seed := "https://example.com/post"
	m := testManager(t, map[string]string{seed: pageHTML("T", "linux body")})
	require.NoError(t, m.Start(1))

	job := models.NewCrawlJob([]string{"linux"}, []string{seed}, "user")
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh
	submitAndWait(t, m, job)

	m.Stop()
	assert.Equal(t, 0, m.resultStore.BufferLen())
	require.Len(t, m.shardWriter.Shards(), 1)
	assert.Equal(t, 1, m.shardWriter.Shards()[0].RecordCount)
}

func TestManager_SeenURLNotRevisited(t *testing.T) {
	seedA := "https://example.com/a"
	seedB := "https://example.com/b"
	pages := map[string]string{
		// Both pages link to each other; the seen set fences revisits
		seedA: pageHTML("A", "linux a", seedB),
		seedB: pageHTML("B", "linux b", seedA),
	}
	m := testManager(t, pages)
	require.NoError(t, m.Start(1))
	defer m.Stop()

	job := models.NewCrawlJob([]string{"linux"}, []string{seedA, seedB}, "user")
	job.MaxDepth = 3
	job.MaxPages = 10
	job.RateLimitSeconds = 0.1
	job.Priority = models.PriorityHigh

	done := submitAndWait(t, m, job)
	assert.Equal(t, 2, done.PagesCrawled, "each URL fetched exactly once")
}

func TestSourceCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	yaml := `categories:
  - name: tech
    seeds:
      - https://example.com/tech
    keywords: [linux, ai]
  - name: science
    seeds:
      - https://example.com/science
    keywords: [ai, physics]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	catalog, err := LoadSourceCatalog(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Categories, 2)
	assert.Equal(t, []string{"https://example.com/tech", "https://example.com/science"}, catalog.AllSeeds())
	assert.Equal(t, []string{"linux", "ai", "physics"}, catalog.AllKeywords())

	_, err = LoadSourceCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
