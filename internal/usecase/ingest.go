// Package usecase contains application business logic services.
package usecase

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
	"github.com/fairyhunter13/woo-catalog-sync/pkg/textx"
)

const (
	defaultBatchSize = 10

	// Malformed rows tolerated back to back before the feed aborts; any
	// good row resets the counter.
	defaultMaxRowErrors = 3
)

// IngestService streams CSV feed objects into batch jobs on the queue.
type IngestService struct {
	Store       domain.ObjectStore
	Queue       domain.Queue
	Checkpoints domain.CheckpointStore
	BatchSize   int
	// MaxRowErrors is the consecutive malformed-row tolerance.
	MaxRowErrors int
}

// NewIngestService constructs an IngestService with its dependencies.
func NewIngestService(store domain.ObjectStore, q domain.Queue, cps domain.CheckpointStore, batchSize, maxRowErrors int) IngestService {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxRowErrors <= 0 {
		maxRowErrors = defaultMaxRowErrors
	}
	return IngestService{Store: store, Queue: q, Checkpoints: cps, BatchSize: batchSize, MaxRowErrors: maxRowErrors}
}

// FeedKey derives the feed identity from an object key: the base name
// without extension, normalized like a CSV header.
func FeedKey(objectKey string) string {
	base := path.Base(objectKey)
	base = strings.TrimSuffix(base, path.Ext(base))
	return textx.NormalizeHeader(base)
}

// IngestFeed downloads one CSV object and enqueues its rows as batch
// jobs. The body is fetched once and parsed twice: the first pass counts
// data rows so the feed total is durable before any job exists, the
// second pass builds and enqueues batches. On restart, batches whose
// deterministic job id has already committed are skipped; the check is
// per batch because batches commit out of order, so a watermark raised
// by a later batch never drops an earlier, uncommitted one. Anything
// re-enqueued replays idempotently.
func (s IngestService) IngestFeed(ctx domain.Context, bucket, objectKey string) error {
	feedKey := FeedKey(objectKey)
	lg := slog.With(
		slog.String("feed_key", feedKey),
		slog.String("bucket", bucket),
		slog.String("object_key", objectKey))

	body, err := s.Store.Get(ctx, bucket, objectKey)
	if err != nil {
		return fmt.Errorf("ingest %s: fetch object: %w", feedKey, err)
	}
	// Excel exports lead with a UTF-8 BOM; it would corrupt the first
	// column name.
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))

	// Content sniffing with mimetype; enforce allowlist
	if mt := mimetype.Detect(body); !textMIME(mt.String()) {
		return fmt.Errorf("ingest %s: unsupported content type %s: %w", feedKey, mt.String(), domain.ErrInvalidArgument)
	}

	// Counting pass stays quiet; the emit pass reports malformed rows.
	total, err := scanRows(slog.New(slog.DiscardHandler), body, s.MaxRowErrors, nil, nil)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", feedKey, err)
	}
	if err := s.Checkpoints.SetTotal(ctx, feedKey, total); err != nil {
		return fmt.Errorf("ingest %s: set total: %w", feedKey, err)
	}

	watermark, err := s.Checkpoints.GetLastProcessed(ctx, feedKey)
	if err != nil {
		return fmt.Errorf("ingest %s: read checkpoint: %w", feedKey, err)
	}
	if watermark > 0 {
		lg.Info("resuming feed", slog.Int64("last_processed_row", watermark), slog.Int64("total_rows", total))
	}

	var (
		names    []string
		batch    [][]string
		rowIndex int64
		enqueued int
		skipped  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		last := rowIndex
		rows := batch
		batch = nil
		jobID := domain.JobID(feedKey, last)
		applied, err := s.Checkpoints.BatchApplied(ctx, feedKey, jobID)
		if err != nil {
			return fmt.Errorf("applied check %s: %w", jobID, err)
		}
		if applied {
			skipped++
			lg.Debug("skipping committed batch", slog.String("job_id", jobID))
			return nil
		}
		job := domain.BatchJob{
			JobID:        jobID,
			FeedKey:      feedKey,
			TotalRows:    total,
			LastRowIndex: last,
			Header:       names,
			Rows:         rows,
		}
		if err := s.Queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", job.JobID, err)
		}
		enqueued++
		return nil
	}
	onHeader := func(rec []string) error {
		names = make([]string, len(rec))
		for i, cell := range rec {
			names[i] = textx.NormalizeHeader(cell)
		}
		return nil
	}
	onRow := func(rec []string) error {
		rowIndex++
		batch = append(batch, rec)
		if len(batch) >= s.BatchSize {
			return flush()
		}
		return nil
	}
	if _, err := scanRows(lg, body, s.MaxRowErrors, onHeader, onRow); err != nil {
		return fmt.Errorf("ingest %s: %w", feedKey, err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("ingest %s: %w", feedKey, err)
	}

	lg.Info("feed ingested",
		slog.Int64("rows", rowIndex),
		slog.Int64("total_rows", total),
		slog.Int("jobs_enqueued", enqueued),
		slog.Int("jobs_skipped", skipped))
	return nil
}

// textMIME reports whether the sniffed type is acceptable feed content.
// CSV bodies detect as text/csv or text/plain depending on content.
func textMIME(m string) bool {
	return strings.HasPrefix(strings.ToLower(m), "text/")
}

// scanRows drives one pass over the CSV body and returns the number of
// well-formed data rows. onHeader receives the raw header record once
// and onRow each data record; either may be nil. Malformed records are
// skipped and logged, but maxRowErrors in a row abort the pass.
// Callback errors abort immediately.
func scanRows(lg *slog.Logger, body []byte, maxRowErrors int, onHeader, onRow func([]string) error) (int64, error) {
	r := csv.NewReader(bytes.NewReader(body))
	// Feeds have ragged rows; short rows read as empty cells downstream.
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if onHeader != nil {
		if err := onHeader(header); err != nil {
			return 0, err
		}
	}

	var rows int64
	consecutive := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			consecutive++
			lg.Warn("malformed row skipped",
				slog.Int("consecutive_errors", consecutive),
				slog.Any("error", err))
			if consecutive >= maxRowErrors {
				return rows, fmt.Errorf("aborting after %d consecutive row errors: %w", consecutive, err)
			}
			continue
		}
		consecutive = 0
		rows++
		if onRow != nil {
			if err := onRow(rec); err != nil {
				return rows, err
			}
		}
	}
}
