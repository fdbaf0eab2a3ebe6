package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrMissingPart     = errors.New("missing part number")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrBulkFailed      = errors.New("bulk update failed")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// Feed is one CSV object under the selected date folder.
type Feed struct {
	Key       string
	Bucket    string
	ObjectKey string
	TotalRows int64
}

// Header is the normalized column set of one feed, shared by every row.
// Names are already normalized (trimmed, lowercased, whitespace runs
// replaced with underscores) by the ingest side.
type Header struct {
	Names []string
	index map[string]int
}

func NewHeader(names []string) *Header {
	h := &Header{Names: names, index: make(map[string]int, len(names))}
	for i, n := range names {
		if _, dup := h.index[n]; !dup {
			h.index[n] = i
		}
	}
	return h
}

// Index returns the column position for a normalized name.
func (h *Header) Index(name string) (int, bool) {
	i, ok := h.index[name]
	return i, ok
}

// Row is one CSV line: the shared header plus this line's cells.
type Row struct {
	Header *Header
	Cells  []string
}

// Get returns the cell for a normalized column name, or "" when the
// column is absent or the line is short.
func (r Row) Get(name string) string {
	if r.Header == nil {
		return ""
	}
	i, ok := r.Header.Index(name)
	if !ok || i >= len(r.Cells) {
		return ""
	}
	return r.Cells[i]
}

// BatchJob is the unit of work carried through the durable queue. It
// covers a contiguous row range within one feed; Rows[i] are the cells
// of row LastRowIndex-len(Rows)+1+i. The header travels once per job,
// not once per row.
type BatchJob struct {
	JobID        string     `json:"job_id"`
	FeedKey      string     `json:"feed_key"`
	TotalRows    int64      `json:"total_rows"`
	LastRowIndex int64      `json:"last_row_index"`
	Header       []string   `json:"header"`
	Rows         [][]string `json:"rows"`
}

// JobID derives the deterministic queue id for a batch. It depends on
// nothing but the feed key and the batch's final row index, so
// re-enqueueing the same range coalesces.
func JobID(feedKey string, lastRowIndex int64) string {
	return fmt.Sprintf("%s_%d", feedKey, lastRowIndex)
}

// Validate reports whether the job is well formed. A malformed job is
// failed terminally by the worker, never retried.
func (j BatchJob) Validate() error {
	switch {
	case j.JobID == "":
		return fmt.Errorf("batch job: empty job id: %w", ErrInvalidArgument)
	case j.FeedKey == "":
		return fmt.Errorf("batch job %s: empty feed key: %w", j.JobID, ErrInvalidArgument)
	case len(j.Header) == 0:
		return fmt.Errorf("batch job %s: empty header: %w", j.JobID, ErrInvalidArgument)
	case len(j.Rows) == 0:
		return fmt.Errorf("batch job %s: empty batch: %w", j.JobID, ErrInvalidArgument)
	case j.LastRowIndex < int64(len(j.Rows)):
		return fmt.Errorf("batch job %s: last row index %d below batch length %d: %w",
			j.JobID, j.LastRowIndex, len(j.Rows), ErrInvalidArgument)
	case j.TotalRows < j.LastRowIndex:
		return fmt.Errorf("batch job %s: last row index %d beyond feed total %d: %w",
			j.JobID, j.LastRowIndex, j.TotalRows, ErrInvalidArgument)
	}
	return nil
}

// MetaEntry is one key/value pair of a product's meta_data list.
type MetaEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// UpdatePayload is emitted per row where a material diff exists and
// submitted to the remote bulk-update endpoint verbatim. PartNumber is
// carried for logging only; it is never sent and never diffed.
type UpdatePayload struct {
	RemoteID    int64       `json:"id"`
	PartNumber  string      `json:"-"`
	SKU         string      `json:"sku"`
	Description string      `json:"description"`
	Meta        []MetaEntry `json:"meta_data"`
}

// CanonicalProduct is the whitelisted projection of a remote product
// used for diffing. Meta holds only whitelisted keys.
type CanonicalProduct struct {
	ID          int64
	SKU         string
	Description string
	Meta        []MetaEntry
}

// BulkResult is the per-id outcome of one bulk-update call.
type BulkResult struct {
	ID    int64
	Error string
}

// RowOutcome classifies the reconciliation of a single row.
type RowOutcome string

const (
	// OutcomeUpdate carries a payload to fold into the batch bulk update.
	OutcomeUpdate RowOutcome = "update"
	// OutcomeNoChange means the projection already matches; counts skipped.
	OutcomeNoChange RowOutcome = "no_change"
	// OutcomeMissingPart means the row has no part_number; counts failed.
	OutcomeMissingPart RowOutcome = "missing_part"
	// OutcomeFailed covers NOT_FOUND and fetch failures; counts failed.
	OutcomeFailed RowOutcome = "failed"
)

// RowResult is one row's reconciliation verdict.
type RowResult struct {
	Outcome RowOutcome
	Payload *UpdatePayload
	Err     error
}

// BatchCommit is the durable record of one finished batch job: its
// outcome tallies plus the rows it covers. JobID keys exactly-once
// application, so a redelivered job commits nothing the second time.
type BatchCommit struct {
	JobID   string
	Rows    int64
	Total   int64
	Updated int64
	Skipped int64
	Failed  int64
}

// Checkpoint is the durable per-feed progress record.
type Checkpoint struct {
	FeedKey          string    `json:"-"`
	LastProcessedRow int64     `json:"lastProcessedRow"`
	TotalRows        int64     `json:"totalProductsInFile"`
	Timestamp        time.Time `json:"timestamp"`
}

// Counter names the per-feed counters.
type Counter string

const (
	CounterUpdated Counter = "updated"
	CounterSkipped Counter = "skipped"
	CounterFailed  Counter = "failed"
	CounterTotal   Counter = "total"
)

// Progress is a read-side snapshot of one feed's counters and watermark.
type Progress struct {
	FeedKey          string `json:"feed_key"`
	LastProcessedRow int64  `json:"last_processed_row"`
	Updated          int64  `json:"updated"`
	Skipped          int64  `json:"skipped"`
	Failed           int64  `json:"failed"`
	Total            int64  `json:"total"`
}

// Done is the number of rows accounted for so far.
func (p Progress) Done() int64 { return p.Updated + p.Skipped + p.Failed }

// Complete reports whether every row of the feed is accounted for.
func (p Progress) Complete() bool { return p.Total > 0 && p.Done() >= p.Total }

// Ports

type Catalog interface {
	LookupIDByPartNumber(ctx Context, partNumber string) (int64, error)
	FetchByID(ctx Context, id int64) (CanonicalProduct, error)
	BulkUpdate(ctx Context, payloads []UpdatePayload) ([]BulkResult, error)
}

type ObjectStore interface {
	// ListFolders returns top-level folder prefixes of a bucket, without
	// the trailing slash.
	ListFolders(ctx Context, bucket string) ([]string, error)
	// ListObjects returns object keys under a prefix.
	ListObjects(ctx Context, bucket, prefix string) ([]string, error)
	// Get fetches a whole object body.
	Get(ctx Context, bucket, key string) ([]byte, error)
}

type Queue interface {
	Enqueue(ctx Context, job BatchJob) error
}

// JobHandler processes one delivered batch job.
type JobHandler func(ctx Context, job BatchJob) error

type CheckpointStore interface {
	SetTotal(ctx Context, feedKey string, total int64) error
	GetLastProcessed(ctx Context, feedKey string) (int64, error)
	// BatchApplied reports whether the batch with this job id has
	// already committed. Batches may finish out of order across
	// partitions, so the scalar watermark alone cannot answer this.
	BatchApplied(ctx Context, feedKey, jobID string) (bool, error)
	// CommitBatch applies one batch's tallies and advances the
	// watermark by the batch's row count, capped at the feed total,
	// exactly once per job id; replaying a committed job is a no-op.
	CommitBatch(ctx Context, feedKey string, commit BatchCommit) error
	IncrementCounter(ctx Context, feedKey string, c Counter, by int64) error
	ReadAll(ctx Context) (map[string]Progress, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.

type Context = context.Context
