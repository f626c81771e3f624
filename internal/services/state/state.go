package state

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
)

// flushEvery is the mutation count between automatic persists
const flushEvery = 200

// FileName is the on-disk name of the shared state blob inside the spool
// directory.
const FileName = "crawler-shared-state.json"

// SharedState is the process-wide seen-URL set and idempotency map, shared
// by every crawl manager instance. All access is serialized by a single
// mutex; durability is a single JSON blob rewritten atomically.
type SharedState struct {
	mu        sync.Mutex
	seenURLs  map[string]bool
	idemKeys  map[string]string
	path      string
	mutations int
	logger    arbor.ILogger
}

// persisted is the on-disk JSON schema
type persisted struct {
	SeenURLs       []string          `json:"seen_urls"`
	IdempotencyMap map[string]string `json:"idempotency_map"`
}

// HashURL returns the SHA-1 hex digest of the trimmed URL string, the
// canonical seen-set key.
func HashURL(rawURL string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}

// New loads shared state from path, best-effort. A corrupt or missing file
// starts empty; the file is preserved for the next successful flush.
func New(path string, logger arbor.ILogger) *SharedState {
	s := &SharedState{
		seenURLs: make(map[string]bool),
		idemKeys: make(map[string]string),
		path:     path,
		logger:   logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read shared state file, starting empty")
		}
		return s
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Shared state file corrupt, starting empty")
		return s
	}

	for _, h := range p.SeenURLs {
		s.seenURLs[h] = true
	}
	for k, v := range p.IdempotencyMap {
		s.idemKeys[k] = v
	}

	logger.Info().
		Int("seen_urls", len(s.seenURLs)).
		Int("idempotency_keys", len(s.idemKeys)).
		Str("path", path).
		Msg("Shared state loaded")
	return s
}

// MarkSeen atomically inserts a URL hash, returning true only on first
// insertion.
func (s *SharedState) MarkSeen(urlHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenURLs[urlHash] {
		return false
	}
	s.seenURLs[urlHash] = true
	s.mutationLocked()
	return true
}

// HasSeen reports whether the hash is already recorded.
func (s *SharedState) HasSeen(urlHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenURLs[urlHash]
}

// RegisterJobForKey records key -> jobID. No-op when the key already has a
// mapping.
func (s *SharedState) RegisterJobForKey(key, jobID string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.idemKeys[key]; exists {
		return
	}
	s.idemKeys[key] = jobID
	s.mutationLocked()
}

// GetJobForKey returns the job registered for an idempotency key.
func (s *SharedState) GetJobForKey(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.idemKeys[key]
	return jobID, ok
}

// SeenCount returns the size of the seen set.
func (s *SharedState) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seenURLs)
}

// mutationLocked counts a mutation and flushes every flushEvery changes.
// Caller holds the mutex.
func (s *SharedState) mutationLocked() {
	s.mutations++
	if s.mutations >= flushEvery {
		if err := s.flushLocked(); err != nil {
			s.logger.Warn().Err(err).Msg("Shared state auto-flush failed")
		}
	}
}

// Flush durably writes the state.
func (s *SharedState) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes a temp file and renames it over the target. Caller
// holds the mutex.
func (s *SharedState) flushLocked() error {
	p := persisted{
		SeenURLs:       make([]string, 0, len(s.seenURLs)),
		IdempotencyMap: make(map[string]string, len(s.idemKeys)),
	}
	for h := range s.seenURLs {
		p.SeenURLs = append(p.SeenURLs, h)
	}
	for k, v := range s.idemKeys {
		p.IdempotencyMap[k] = v
	}

	data, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("failed to marshal shared state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write shared state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename shared state file: %w", err)
	}

	s.mutations = 0
	return nil
}

// Close flushes on shutdown.
func (s *SharedState) Close() error {
	return s.Flush()
}
