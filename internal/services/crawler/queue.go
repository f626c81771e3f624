package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/forager/internal/models"
)

// JobQueue is an unbounded FIFO of crawl jobs. Dequeue waits up to a caller
// deadline so workers can poll the high-priority queue tightly and fall back
// to the low-priority queue.
type JobQueue struct {
	mu     sync.Mutex
	items  []*models.CrawlJob
	notify chan struct{}
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{notify: make(chan struct{}, 1)}
}

// Enqueue appends a job and wakes one waiter.
func (q *JobQueue) Enqueue(job *models.CrawlJob) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue returns the oldest job, waiting up to wait for one to arrive.
// Returns nil when the wait expires or the context is cancelled.
func (q *JobQueue) Dequeue(ctx context.Context, wait time.Duration) *models.CrawlJob {
	deadline := time.Now().Add(wait)
	for {
		if job := q.tryPop(); job != nil {
			return job
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

// tryPop removes the head without waiting.
func (q *JobQueue) tryPop() *models.CrawlJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	q.items = q.items[1:]

	// Keep the wake token alive for other waiters while items remain
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return job
}

// Len returns the current depth.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
