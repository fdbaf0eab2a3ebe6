package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

type fakeCheckpoints struct {
	mu         sync.Mutex
	totals     map[string]int64
	last       map[string]int64
	applied    map[string]bool
	counters   map[string]map[domain.Counter]int64
	readAllErr error
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		totals:   map[string]int64{},
		last:     map[string]int64{},
		applied:  map[string]bool{},
		counters: map[string]map[domain.Counter]int64{},
	}
}

func (f *fakeCheckpoints) SetTotal(_ context.Context, feedKey string, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[feedKey] = total
	return nil
}

func (f *fakeCheckpoints) GetLastProcessed(_ context.Context, feedKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[feedKey], nil
}

func (f *fakeCheckpoints) BatchApplied(_ context.Context, feedKey, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[feedKey+"/"+jobID], nil
}

func (f *fakeCheckpoints) CommitBatch(_ context.Context, feedKey string, c domain.BatchCommit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[feedKey+"/"+c.JobID] {
		return nil
	}
	f.applied[feedKey+"/"+c.JobID] = true
	m := f.counters[feedKey]
	if m == nil {
		m = map[domain.Counter]int64{}
		f.counters[feedKey] = m
	}
	m[domain.CounterUpdated] += c.Updated
	m[domain.CounterSkipped] += c.Skipped
	m[domain.CounterFailed] += c.Failed
	next := f.last[feedKey] + c.Rows
	if c.Total > 0 && next > c.Total {
		next = c.Total
	}
	f.last[feedKey] = next
	return nil
}

func (f *fakeCheckpoints) IncrementCounter(_ context.Context, feedKey string, c domain.Counter, by int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.counters[feedKey]
	if m == nil {
		m = map[domain.Counter]int64{}
		f.counters[feedKey] = m
	}
	m[c] += by
	return nil
}

func (f *fakeCheckpoints) ReadAll(_ context.Context) (map[string]domain.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readAllErr != nil {
		return nil, f.readAllErr
	}
	out := make(map[string]domain.Progress, len(f.totals))
	for fk, total := range f.totals {
		m := f.counters[fk]
		out[fk] = domain.Progress{
			FeedKey:          fk,
			LastProcessedRow: f.last[fk],
			Updated:          m[domain.CounterUpdated],
			Skipped:          m[domain.CounterSkipped],
			Failed:           m[domain.CounterFailed],
			Total:            total,
		}
	}
	return out, nil
}

func (f *fakeCheckpoints) counter(feedKey string, c domain.Counter) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[feedKey][c]
}

// seed marks a feed's totals and counters in one call.
func (f *fakeCheckpoints) seed(feedKey string, total, updated, skipped, failed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[feedKey] = total
	f.counters[feedKey] = map[domain.Counter]int64{
		domain.CounterUpdated: updated,
		domain.CounterSkipped: skipped,
		domain.CounterFailed:  failed,
	}
}

type fakeStore struct {
	folders []string
	objects map[string][]string
	bodies  map[string][]byte
	getErr  map[string]error
}

func (f *fakeStore) ListFolders(_ context.Context, _ string) ([]string, error) {
	return f.folders, nil
}

func (f *fakeStore) ListObjects(_ context.Context, _, prefix string) ([]string, error) {
	return f.objects[prefix], nil
}

func (f *fakeStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if err := f.getErr[bucket+"/"+key]; err != nil {
		return nil, err
	}
	b, ok := f.bodies[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
	}
	return b, nil
}

// fakeQueue records jobs and optionally simulates the worker side.
type fakeQueue struct {
	mu        sync.Mutex
	jobs      []domain.BatchJob
	onEnqueue func(job domain.BatchJob) error
}

func (f *fakeQueue) Enqueue(_ context.Context, job domain.BatchJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.onEnqueue != nil {
		return f.onEnqueue(job)
	}
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// fakeConsumer blocks until cancellation unless primed with startErr.
type fakeConsumer struct {
	startErr error
	mu       sync.Mutex
	closed   bool
}

func (f *fakeConsumer) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConsumer) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
