package usecase

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

// callTrace records cross-fake call ordering.
type callTrace struct {
	mu    sync.Mutex
	calls []string
}

func (t *callTrace) add(s string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, s)
}

func (t *callTrace) all() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// fakeStore serves object bodies from memory.
type fakeStore struct {
	bodies map[string][]byte // "bucket/key" -> body
	getErr error
}

func (f *fakeStore) ListFolders(_ domain.Context, _ string) ([]string, error)    { return nil, nil }
func (f *fakeStore) ListObjects(_ domain.Context, _, _ string) ([]string, error) { return nil, nil }

func (f *fakeStore) Get(_ domain.Context, bucket, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.bodies[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
	}
	return b, nil
}

// fakeQueue records enqueued jobs in order.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []domain.BatchJob
	failOn map[string]error
	trace  *callTrace
}

func (q *fakeQueue) Enqueue(_ domain.Context, job domain.BatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failOn[job.JobID]; err != nil {
		return err
	}
	q.jobs = append(q.jobs, job)
	q.trace.add("enqueue " + job.JobID)
	return nil
}

type commitRec struct {
	feedKey string
	commit  domain.BatchCommit
}

// fakeCheckpoints is an in-memory CheckpointStore. Commits mirror the
// real store: exactly-once per job id, counters folded in atomically,
// watermark advanced by the batch's row count capped at the total.
type fakeCheckpoints struct {
	mu       sync.Mutex
	totals   map[string]int64
	last     map[string]int64
	applied  map[string]bool
	counters map[string]map[domain.Counter]int64
	commits  []commitRec
	trace    *callTrace

	totalErr   error
	lastErr    error
	appliedErr error
	commitErr  error
	// commitErrOnce clears commitErr after its first hit, simulating a
	// store that recovers before the queue redelivers.
	commitErrOnce bool
	incrErr       error
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		totals:   map[string]int64{},
		last:     map[string]int64{},
		applied:  map[string]bool{},
		counters: map[string]map[domain.Counter]int64{},
	}
}

func appliedID(feedKey, jobID string) string { return feedKey + "/" + jobID }

func (c *fakeCheckpoints) SetTotal(_ domain.Context, feedKey string, total int64) error {
	if c.totalErr != nil {
		return c.totalErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[feedKey] = total
	c.trace.add("set_total " + feedKey)
	return nil
}

func (c *fakeCheckpoints) GetLastProcessed(_ domain.Context, feedKey string) (int64, error) {
	if c.lastErr != nil {
		return 0, c.lastErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[feedKey], nil
}

func (c *fakeCheckpoints) BatchApplied(_ domain.Context, feedKey, jobID string) (bool, error) {
	if c.appliedErr != nil {
		return false, c.appliedErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[appliedID(feedKey, jobID)], nil
}

func (c *fakeCheckpoints) markApplied(feedKey, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied[appliedID(feedKey, jobID)] = true
}

func (c *fakeCheckpoints) CommitBatch(_ domain.Context, feedKey string, commit domain.BatchCommit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		err := c.commitErr
		if c.commitErrOnce {
			c.commitErr = nil
		}
		return err
	}
	if c.applied[appliedID(feedKey, commit.JobID)] {
		return nil
	}
	c.applied[appliedID(feedKey, commit.JobID)] = true
	c.commits = append(c.commits, commitRec{feedKey: feedKey, commit: commit})
	m := c.counters[feedKey]
	if m == nil {
		m = map[domain.Counter]int64{}
		c.counters[feedKey] = m
	}
	m[domain.CounterUpdated] += commit.Updated
	m[domain.CounterSkipped] += commit.Skipped
	m[domain.CounterFailed] += commit.Failed
	next := c.last[feedKey] + commit.Rows
	if commit.Total > 0 && next > commit.Total {
		next = commit.Total
	}
	c.last[feedKey] = next
	if commit.Total > 0 {
		c.totals[feedKey] = commit.Total
	}
	return nil
}

func (c *fakeCheckpoints) IncrementCounter(_ domain.Context, feedKey string, counter domain.Counter, by int64) error {
	if c.incrErr != nil {
		return c.incrErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.counters[feedKey]
	if m == nil {
		m = map[domain.Counter]int64{}
		c.counters[feedKey] = m
	}
	m[counter] += by
	return nil
}

func (c *fakeCheckpoints) ReadAll(_ domain.Context) (map[string]domain.Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.Progress, len(c.totals))
	for feedKey, total := range c.totals {
		m := c.counters[feedKey]
		out[feedKey] = domain.Progress{
			FeedKey:          feedKey,
			LastProcessedRow: c.last[feedKey],
			Updated:          m[domain.CounterUpdated],
			Skipped:          m[domain.CounterSkipped],
			Failed:           m[domain.CounterFailed],
			Total:            total,
		}
	}
	return out, nil
}

func (c *fakeCheckpoints) counter(feedKey string, counter domain.Counter) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[feedKey][counter]
}

// fakeCatalog resolves part numbers against a fixed product set.
type fakeCatalog struct {
	mu        sync.Mutex
	ids       map[string]int64
	products  map[int64]domain.CanonicalProduct
	lookupErr map[string]error
	fetchErr  map[int64]error
	bulk      func(payloads []domain.UpdatePayload) ([]domain.BulkResult, error)

	lookups   int
	fetches   int
	bulkCalls [][]domain.UpdatePayload
}

func (f *fakeCatalog) LookupIDByPartNumber(_ domain.Context, partNumber string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if err := f.lookupErr[partNumber]; err != nil {
		return 0, err
	}
	id, ok := f.ids[partNumber]
	if !ok {
		return 0, fmt.Errorf("lookup %q: %w", partNumber, domain.ErrNotFound)
	}
	return id, nil
}

func (f *fakeCatalog) FetchByID(_ domain.Context, id int64) (domain.CanonicalProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.fetchErr[id]; err != nil {
		return domain.CanonicalProduct{}, err
	}
	p, ok := f.products[id]
	if !ok {
		return domain.CanonicalProduct{}, fmt.Errorf("fetch %d: %w", id, domain.ErrFetchFailed)
	}
	return p, nil
}

func (f *fakeCatalog) BulkUpdate(_ domain.Context, payloads []domain.UpdatePayload) ([]domain.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls = append(f.bulkCalls, append([]domain.UpdatePayload(nil), payloads...))
	if f.bulk != nil {
		return f.bulk(payloads)
	}
	out := make([]domain.BulkResult, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, domain.BulkResult{ID: p.RemoteID})
	}
	return out, nil
}

// fakeAudit records update lines.
type fakeAudit struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (a *fakeAudit) Append(feedKey string, rowIndex, remoteID int64, partNumber string) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, fmt.Sprintf("%s row=%d id=%d part=%s", feedKey, rowIndex, remoteID, partNumber))
	return nil
}
