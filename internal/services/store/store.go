package store

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/models"
)

// ResultStore is the process-wide, byte-budgeted result cache. Records are
// keyed by result ID, deduplicated by content hash and evicted LRU under
// memory pressure. The shard stream (see ShardWriter) is the durable tier;
// eviction here only frees RAM.
type ResultStore struct {
	mu        sync.Mutex
	results   map[string]*list.Element // result ID -> lru element
	byHash    map[string]string        // content hash -> result ID
	lru       *list.List               // front = most recently used
	usage     int64
	maxMemory int64

	trainBuffer []models.ShardRecord
	bufferMax   int

	logger arbor.ILogger
}

// lruEntry is the LRU element payload
type lruEntry struct {
	id     string
	result *models.CrawlResult
}

// NewResultStore creates a store with the given byte budget.
func NewResultStore(maxMemory int64, bufferMax int, logger arbor.ILogger) *ResultStore {
	return &ResultStore{
		results:   make(map[string]*list.Element),
		byHash:    make(map[string]string),
		lru:       list.New(),
		maxMemory: maxMemory,
		bufferMax: bufferMax,
		logger:    logger,
	}
}

// Add inserts a result, deduplicating by content hash. When another live
// record carries the same hash, the higher-score (or newer) record wins and
// the other is dropped. Returns the ID of the record that now represents
// this content.
func (s *ResultStore) Add(result *models.CrawlResult) string {
	size := int64(result.ComputeSize())

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byHash[result.ContentHash]; ok && result.ContentHash != "" {
		elem := s.results[existingID]
		existing := elem.Value.(*lruEntry).result

		if result.Score > existing.Score || result.UpdatedAt.After(existing.UpdatedAt) {
			delta := size - int64(existing.SizeBytes)
			elem.Value.(*lruEntry).result = result
			elem.Value.(*lruEntry).id = existingID
			result.ID = existingID
			s.usage += delta
			s.lru.MoveToFront(elem)
			s.evictLocked(0)
			s.logger.Debug().
				Str("result_id", existingID).
				Str("content_hash", result.ContentHash).
				Float64("score", result.Score).
				Msg("Replaced duplicate content with higher-ranked record")
		}
		return existingID
	}

	s.evictLocked(size)

	elem := s.lru.PushFront(&lruEntry{id: result.ID, result: result})
	s.results[result.ID] = elem
	if result.ContentHash != "" {
		s.byHash[result.ContentHash] = result.ID
	}
	s.usage += size
	return result.ID
}

// evictLocked drops LRU entries until incoming bytes fit the budget. Caller
// holds the mutex.
func (s *ResultStore) evictLocked(incoming int64) {
	for s.usage+incoming > s.maxMemory {
		back := s.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*lruEntry)
		s.removeLocked(entry.id)
		s.logger.Debug().
			Str("result_id", entry.id).
			Int64("usage", s.usage).
			Msg("Evicted result under memory pressure")
	}
}

// removeLocked deletes an entry and adjusts accounting. Caller holds the
// mutex.
func (s *ResultStore) removeLocked(id string) {
	elem, ok := s.results[id]
	if !ok {
		return
	}
	entry := elem.Value.(*lruEntry)
	s.lru.Remove(elem)
	delete(s.results, id)
	if entry.result.ContentHash != "" && s.byHash[entry.result.ContentHash] == id {
		delete(s.byHash, entry.result.ContentHash)
	}
	s.usage -= int64(entry.result.SizeBytes)
}

// Get returns the result for an ID, bumping its recency.
func (s *ResultStore) Get(id string) (*models.CrawlResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.results[id]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(elem)
	return elem.Value.(*lruEntry).result, true
}

// Update replaces a stored result in place, adjusting the usage delta.
func (s *ResultStore) Update(id string, result *models.CrawlResult) error {
	size := int64(result.ComputeSize())

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.results[id]
	if !ok {
		return fmt.Errorf("result %s not found", id)
	}
	old := elem.Value.(*lruEntry).result
	if old.ContentHash != "" && s.byHash[old.ContentHash] == id {
		delete(s.byHash, old.ContentHash)
	}
	if result.ContentHash != "" {
		s.byHash[result.ContentHash] = id
	}
	s.usage += size - int64(old.SizeBytes)
	elem.Value.(*lruEntry).result = result
	s.lru.MoveToFront(elem)
	s.evictLocked(0)
	return nil
}

// List snapshots all results matching the predicate. A nil predicate
// matches everything.
func (s *ResultStore) List(pred func(*models.CrawlResult) bool) []*models.CrawlResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.CrawlResult, 0, len(s.results))
	for _, elem := range s.results {
		r := elem.Value.(*lruEntry).result
		if pred == nil || pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Usage returns the current byte accounting.
func (s *ResultStore) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Len returns the number of live records.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// AddFeedback appends a rating to a result, clamping the score to [0,5] and
// recomputing aggregates.
func (s *ResultStore) AddFeedback(id string, score float64, comment, source string, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.results[id]
	if !ok {
		return fmt.Errorf("result %s not found", id)
	}
	r := elem.Value.(*lruEntry).result
	oldSize := int64(r.SizeBytes)
	r.AddFeedback(score, comment, source, confirmed)
	s.usage += int64(r.ComputeSize()) - oldSize
	return nil
}

// ReadyForPublication returns unpublished results with at least two
// ratings, an average of 4.0 or better and at least one confirmation, old
// enough per minAge, sorted by score descending.
func (s *ResultStore) ReadyForPublication(limit int, minAge time.Duration) []*models.CrawlResult {
	cutoff := time.Now().UTC().Add(-minAge)

	candidates := s.List(func(r *models.CrawlResult) bool {
		return r.PostedAt == nil &&
			r.RatingCount >= 2 &&
			r.RatingAverage >= 4.0 &&
			r.Confirmations >= 1 &&
			!r.CreatedAt.After(cutoff)
	})

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// Buffer appends a shard record to the train buffer. Returns true when the
// buffer has reached its flush threshold.
func (s *ResultStore) Buffer(record models.ShardRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainBuffer = append(s.trainBuffer, record)
	return len(s.trainBuffer) >= s.bufferMax
}

// DrainBuffer removes and returns all buffered records in insertion order.
func (s *ResultStore) DrainBuffer() []models.ShardRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.trainBuffer
	s.trainBuffer = nil
	return records
}

// Requeue puts records back at the head of the buffer after a failed flush.
func (s *ResultStore) Requeue(records []models.ShardRecord) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainBuffer = append(records, s.trainBuffer...)
}

// BufferLen returns the number of pending train records.
func (s *ResultStore) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trainBuffer)
}
