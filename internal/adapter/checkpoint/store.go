// Package checkpoint persists per-feed sync progress across two
// backends: Redis for counters, the feed registry and the per-batch
// applied sets, and a local JSON file for the row watermark so a
// restarted process resumes where it stopped even without Redis
// history. Losing the applied sets is safe: resumed batches replay and
// reconcile to no-change.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

const (
	feedRegistryKey = "sync:feeds"
	watermarkPrefix = "sync:last:"
	counterPrefix   = "sync:counters:"
	appliedPrefix   = "sync:applied:"
)

// commitBatchScript applies one batch commit atomically. The SADD on
// the feed's applied set is the exactly-once gate: a job id already in
// the set commits nothing, so a redelivered batch can never double the
// counters or re-advance the watermark. Batches commit out of order
// across partitions, so the watermark advances by the batch's row
// count (capped at the feed total) rather than jumping to the batch's
// own upper index; per-batch completion lives in the applied set.
//
// KEYS: applied set, watermark, updated, skipped, failed.
// ARGV: jobID, rows, total, updated, skipped, failed.
const commitBatchScript = `
if redis.call("SADD", KEYS[1], ARGV[1]) == 0 then
  return {0, tonumber(redis.call("GET", KEYS[2]) or "0")}
end
if tonumber(ARGV[4]) > 0 then redis.call("INCRBY", KEYS[3], ARGV[4]) end
if tonumber(ARGV[5]) > 0 then redis.call("INCRBY", KEYS[4], ARGV[5]) end
if tonumber(ARGV[6]) > 0 then redis.call("INCRBY", KEYS[5], ARGV[6]) end
local new = tonumber(redis.call("GET", KEYS[2]) or "0") + tonumber(ARGV[2])
local total = tonumber(ARGV[3])
if total > 0 and new > total then
  new = total
end
redis.call("SET", KEYS[2], new)
return {1, new}
`

// Store implements domain.CheckpointStore.
type Store struct {
	rdb    *redis.Client
	path   string
	script *redis.Script

	mu   sync.Mutex
	file map[string]domain.Checkpoint
}

// New loads the checkpoint file (absent is fine) and prepares the Redis
// backend. path is where the JSON map lives.
func New(rdb *redis.Client, path string) (*Store, error) {
	s := &Store{
		rdb:    rdb,
		path:   path,
		script: redis.NewScript(commitBatchScript),
		file:   map[string]domain.Checkpoint{},
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run.
	case err != nil:
		return nil, fmt.Errorf("read checkpoint file %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.file); err != nil {
			return nil, fmt.Errorf("parse checkpoint file %s: %w", path, err)
		}
		for k, cp := range s.file {
			cp.FeedKey = k
			s.file[k] = cp
		}
	}
	return s, nil
}

func counterKey(feedKey string, c domain.Counter) string {
	return counterPrefix + feedKey + ":" + string(c)
}

func appliedKey(feedKey string) string {
	return appliedPrefix + feedKey
}

// SetTotal registers the feed and records its row total. The total is
// absolute, not cumulative, so repeated ingests of the same feed are
// idempotent.
func (s *Store) SetTotal(ctx context.Context, feedKey string, total int64) error {
	if err := s.rdb.SAdd(ctx, feedRegistryKey, feedKey).Err(); err != nil {
		return fmt.Errorf("register feed %s: %w", feedKey, err)
	}
	if err := s.rdb.Set(ctx, counterKey(feedKey, domain.CounterTotal), total, 0).Err(); err != nil {
		return fmt.Errorf("set total for %s: %w", feedKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.file[feedKey]
	cp.FeedKey = feedKey
	cp.TotalRows = total
	cp.Timestamp = time.Now().UTC()
	s.file[feedKey] = cp
	return s.writeFileLocked()
}

// GetLastProcessed returns the feed's watermark: the greater of the
// local file record and the Redis mirror.
func (s *Store) GetLastProcessed(ctx context.Context, feedKey string) (int64, error) {
	s.mu.Lock()
	last := s.file[feedKey].LastProcessedRow
	s.mu.Unlock()

	mirror, err := s.rdb.Get(ctx, watermarkPrefix+feedKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		// The file alone is authoritative enough to resume from.
		slog.Warn("watermark mirror unavailable",
			slog.String("feed_key", feedKey), slog.Any("error", err))
		return last, nil
	}
	if mirror > last {
		last = mirror
	}
	return last, nil
}

// BatchApplied reports whether a commit with this job id is already
// durable in the feed's applied set.
func (s *Store) BatchApplied(ctx context.Context, feedKey, jobID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, appliedKey(feedKey), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("applied check %s/%s: %w", feedKey, jobID, err)
	}
	return ok, nil
}

// CommitBatch applies one batch's tallies and watermark advance in a
// single script keyed by job id, then records the resulting watermark
// in the checkpoint file. A replayed commit leaves Redis untouched and
// only refreshes the file from the mirror, so a crash between script
// and file write heals on the retry.
func (s *Store) CommitBatch(ctx context.Context, feedKey string, c domain.BatchCommit) error {
	keys := []string{
		appliedKey(feedKey),
		watermarkPrefix + feedKey,
		counterKey(feedKey, domain.CounterUpdated),
		counterKey(feedKey, domain.CounterSkipped),
		counterKey(feedKey, domain.CounterFailed),
	}
	res, err := s.script.Run(ctx, s.rdb, keys,
		c.JobID, c.Rows, c.Total, c.Updated, c.Skipped, c.Failed).Int64Slice()
	if err != nil {
		return fmt.Errorf("commit %s/%s: %w", feedKey, c.JobID, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("commit %s/%s: unexpected script reply %v", feedKey, c.JobID, res)
	}
	newLast := res[1]

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.file[feedKey]
	cp.FeedKey = feedKey
	if newLast > cp.LastProcessedRow {
		cp.LastProcessedRow = newLast
	}
	if c.Total > 0 {
		cp.TotalRows = c.Total
	}
	cp.Timestamp = time.Now().UTC()
	s.file[feedKey] = cp
	return s.writeFileLocked()
}

// IncrementCounter adds by to one of the feed's counters.
func (s *Store) IncrementCounter(ctx context.Context, feedKey string, c domain.Counter, by int64) error {
	if by == 0 {
		return nil
	}
	if err := s.rdb.IncrBy(ctx, counterKey(feedKey, c), by).Err(); err != nil {
		return fmt.Errorf("increment %s/%s: %w", feedKey, c, err)
	}
	return nil
}

// ReadAll snapshots every known feed: the union of the Redis registry
// and the checkpoint file.
func (s *Store) ReadAll(ctx context.Context) (map[string]domain.Progress, error) {
	feeds := map[string]bool{}
	members, err := s.rdb.SMembers(ctx, feedRegistryKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read feed registry: %w", err)
	}
	for _, m := range members {
		feeds[m] = true
	}
	s.mu.Lock()
	for k := range s.file {
		feeds[k] = true
	}
	s.mu.Unlock()

	out := make(map[string]domain.Progress, len(feeds))
	for feedKey := range feeds {
		p, err := s.readOne(ctx, feedKey)
		if err != nil {
			return nil, err
		}
		out[feedKey] = p
	}
	return out, nil
}

func (s *Store) readOne(ctx context.Context, feedKey string) (domain.Progress, error) {
	keys := []string{
		counterKey(feedKey, domain.CounterUpdated),
		counterKey(feedKey, domain.CounterSkipped),
		counterKey(feedKey, domain.CounterFailed),
		counterKey(feedKey, domain.CounterTotal),
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return domain.Progress{}, fmt.Errorf("read counters for %s: %w", feedKey, err)
	}
	p := domain.Progress{FeedKey: feedKey}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		nums[i] = redisInt(v)
	}
	p.Updated, p.Skipped, p.Failed, p.Total = nums[0], nums[1], nums[2], nums[3]

	last, err := s.GetLastProcessed(ctx, feedKey)
	if err != nil {
		return domain.Progress{}, err
	}
	p.LastProcessedRow = last
	if p.Total == 0 {
		s.mu.Lock()
		p.Total = s.file[feedKey].TotalRows
		s.mu.Unlock()
	}
	return p, nil
}

// Reset clears one feed's state, or every feed's when feedKey is empty.
// The dashboard's admin endpoint and checkpointctl use it.
func (s *Store) Reset(ctx context.Context, feedKey string) error {
	s.mu.Lock()
	var feeds []string
	if feedKey == "" {
		for k := range s.file {
			feeds = append(feeds, k)
		}
		s.file = map[string]domain.Checkpoint{}
	} else {
		feeds = []string{feedKey}
		delete(s.file, feedKey)
	}
	err := s.writeFileLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	members, rerr := s.rdb.SMembers(ctx, feedRegistryKey).Result()
	if rerr == nil && feedKey == "" {
		feeds = append(feeds, members...)
	}
	for _, f := range dedupe(feeds) {
		keys := []string{
			watermarkPrefix + f,
			appliedKey(f),
			counterKey(f, domain.CounterUpdated),
			counterKey(f, domain.CounterSkipped),
			counterKey(f, domain.CounterFailed),
			counterKey(f, domain.CounterTotal),
		}
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("reset %s: %w", f, err)
		}
		if err := s.rdb.SRem(ctx, feedRegistryKey, f).Err(); err != nil {
			return fmt.Errorf("deregister %s: %w", f, err)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// writeFileLocked rewrites the checkpoint file atomically. Callers hold
// s.mu.
func (s *Store) writeFileLocked() error {
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint file %s: %w", s.path, err)
	}
	return nil
}

func redisInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscan(s, &n)
	return n
}
