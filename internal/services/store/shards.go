package store

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/models"
)

const (
	shardPrefix = "crawl-train-"
	shardSuffix = ".jsonl"
	// shardHourLayout names one shard per wall-clock hour
	shardHourLayout = "20060102-15"
	indexFileName   = "index.json"
	archiveDirName  = "archive"
)

// ShardIndex is the persisted shard catalog
type ShardIndex struct {
	Shards    []ShardInfo `json:"shards"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ShardInfo describes one live shard
type ShardInfo struct {
	Name        string    `json:"name"`
	Hour        string    `json:"hour"` // YYYYMMDD-HH
	RecordCount int       `json:"records"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// ShardWriter appends flushed train records to hourly JSONL shards under
// trainDir and maintains index.json alongside them. Shards older than the
// retention window are gzip-archived by Compact and dropped from the live
// index; a failed archival leaves the shard live for the next run.
type ShardWriter struct {
	mu       sync.Mutex
	trainDir string
	index    ShardIndex
	logger   arbor.ILogger

	// now is swappable for tests
	now func() time.Time
}

// NewShardWriter creates the train directory and loads the existing index.
func NewShardWriter(trainDir string, logger arbor.ILogger) (*ShardWriter, error) {
	if err := os.MkdirAll(filepath.Join(trainDir, archiveDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create train directory: %w", err)
	}

	w := &ShardWriter{
		trainDir: trainDir,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}

	data, err := os.ReadFile(filepath.Join(trainDir, indexFileName))
	if err == nil {
		if err := json.Unmarshal(data, &w.index); err != nil {
			logger.Warn().Err(err).Msg("Shard index corrupt, rebuilding from directory")
			w.index = ShardIndex{}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read shard index: %w", err)
	}

	if len(w.index.Shards) == 0 {
		if err := w.rebuildIndexLocked(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// shardName returns the file name for the hour containing t.
func shardName(t time.Time) string {
	return shardPrefix + t.UTC().Format(shardHourLayout) + shardSuffix
}

// Append writes records to the current hour's shard, one JSON object per
// line, and updates the index.
func (w *ShardWriter) Append(records []models.ShardRecord) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	name := shardName(w.now())
	path := filepath.Join(w.trainDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open shard %s: %w", name, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	written := 0
	for _, rec := range records {
		line, err := json.Marshal(&rec)
		if err != nil {
			w.logger.Warn().Err(err).Str("result_id", rec.ID).Msg("Skipping unmarshalable train record")
			continue
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append to shard %s: %w", name, err)
		}
		written++
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush shard %s: %w", name, err)
	}

	info, err := f.Stat()
	var size int64
	if err == nil {
		size = info.Size()
	}

	w.bumpShardLocked(name, written, size)
	if err := w.writeIndexLocked(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to persist shard index")
	}

	w.logger.Debug().
		Str("shard", name).
		Int("records", written).
		Msg("Flushed train records to shard")
	return nil
}

// bumpShardLocked updates or inserts the index entry for a shard. Caller
// holds the mutex.
func (w *ShardWriter) bumpShardLocked(name string, added int, size int64) {
	for i := range w.index.Shards {
		if w.index.Shards[i].Name == name {
			w.index.Shards[i].RecordCount += added
			w.index.Shards[i].SizeBytes = size
			w.index.UpdatedAt = w.now()
			return
		}
	}
	w.index.Shards = append(w.index.Shards, ShardInfo{
		Name:        name,
		Hour:        hourOf(name),
		RecordCount: added,
		SizeBytes:   size,
		CreatedAt:   w.now(),
	})
	w.index.UpdatedAt = w.now()
}

// hourOf extracts the YYYYMMDD-HH segment from a shard file name.
func hourOf(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, shardPrefix), shardSuffix)
}

// writeIndexLocked persists index.json atomically. Caller holds the mutex.
func (w *ShardWriter) writeIndexLocked() error {
	sort.Slice(w.index.Shards, func(i, j int) bool {
		return w.index.Shards[i].Hour < w.index.Shards[j].Hour
	})
	data, err := json.MarshalIndent(&w.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(w.trainDir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(w.trainDir, indexFileName))
}

// rebuildIndexLocked scans the train directory for live shards. Caller holds
// the mutex.
func (w *ShardWriter) rebuildIndexLocked() error {
	entries, err := os.ReadDir(w.trainDir)
	if err != nil {
		return fmt.Errorf("failed to scan train directory: %w", err)
	}
	w.index = ShardIndex{UpdatedAt: w.now()}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, shardPrefix) || !strings.HasSuffix(name, shardSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		count, err := countLines(filepath.Join(w.trainDir, name))
		if err != nil {
			w.logger.Warn().Err(err).Str("shard", name).Msg("Failed to count shard records")
			continue
		}
		w.index.Shards = append(w.index.Shards, ShardInfo{
			Name:        name,
			Hour:        hourOf(name),
			RecordCount: count,
			SizeBytes:   info.Size(),
			CreatedAt:   info.ModTime().UTC(),
		})
	}
	return w.writeIndexLocked()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) > 0 {
			count++
		}
	}
	return count, scanner.Err()
}

// ReadSince streams records from all live shards whose hour falls at or
// after cutoff, oldest first, stopping once maxRecords have been yielded.
// Malformed lines are skipped.
func (w *ShardWriter) ReadSince(cutoff time.Time, maxRecords int, fn func(models.ShardRecord) bool) error {
	w.mu.Lock()
	shards := make([]ShardInfo, len(w.index.Shards))
	copy(shards, w.index.Shards)
	w.mu.Unlock()

	sort.Slice(shards, func(i, j int) bool { return shards[i].Hour < shards[j].Hour })

	cutoffHour := cutoff.UTC().Format(shardHourLayout)
	yielded := 0
	for _, s := range shards {
		if s.Hour < cutoffHour {
			continue
		}
		if maxRecords > 0 && yielded >= maxRecords {
			break
		}

		f, err := os.Open(filepath.Join(w.trainDir, s.Name))
		if err != nil {
			w.logger.Warn().Err(err).Str("shard", s.Name).Msg("Failed to open shard for read")
			continue
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if maxRecords > 0 && yielded >= maxRecords {
				break
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec models.ShardRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			yielded++
			if !fn(rec) {
				f.Close()
				return nil
			}
		}
		f.Close()
	}
	return nil
}

// Compact gzip-archives live shards older than retention, dropping them
// from the live index. An archival failure is logged and the shard stays
// live and indexed for the next run. The current hour's shard is never
// compacted.
func (w *ShardWriter) Compact(retention time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoffHour := w.now().Add(-retention).Format(shardHourLayout)
	currentHour := w.now().Format(shardHourLayout)
	kept := w.index.Shards[:0]
	changed := false

	for _, s := range w.index.Shards {
		if s.Hour >= cutoffHour || s.Hour == currentHour {
			kept = append(kept, s)
			continue
		}
		if err := w.archiveShard(s.Name); err != nil {
			w.logger.Warn().Err(err).Str("shard", s.Name).Msg("Shard archival failed, leaving shard live")
			kept = append(kept, s)
			continue
		}
		changed = true
		w.logger.Info().Str("shard", s.Name).Msg("Shard archived")
	}
	w.index.Shards = kept

	if changed {
		if err := w.writeIndexLocked(); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to persist shard index after compaction")
		}
	}
}

// archiveShard gzips a live shard into archive/ and removes the original.
// The temp file is renamed into place only after a clean gzip close, so a
// partial write never shadows the live shard.
func (w *ShardWriter) archiveShard(name string) error {
	src, err := os.Open(filepath.Join(w.trainDir, name))
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := filepath.Join(w.trainDir, archiveDirName, name+".gz")
	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(filepath.Join(w.trainDir, name))
}

// Shards returns a snapshot of the index.
func (w *ShardWriter) Shards() []ShardInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ShardInfo, len(w.index.Shards))
	copy(out, w.index.Shards)
	return out
}
