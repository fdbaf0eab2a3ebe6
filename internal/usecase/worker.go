package usecase

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

// UpdatesAudit receives one line per applied remote update.
type UpdatesAudit interface {
	Append(feedKey string, rowIndex, remoteID int64, partNumber string) error
}

// WorkerService executes one batch job end to end: reconcile rows in
// parallel, apply a single bulk update for the material diffs, then
// advance counters and the checkpoint. A nil return acks the job.
type WorkerService struct {
	Reconciler  ReconcileService
	Catalog     domain.Catalog
	Checkpoints domain.CheckpointStore
	Updates     UpdatesAudit

	// Observe, when set, receives one call per reconciled row.
	Observe func(feedKey, outcome string)
}

// NewWorkerService constructs a WorkerService with its dependencies.
// audit may be nil to disable the updates log.
func NewWorkerService(rec ReconcileService, c domain.Catalog, cps domain.CheckpointStore, audit UpdatesAudit) WorkerService {
	return WorkerService{Reconciler: rec, Catalog: c, Checkpoints: cps, Updates: audit}
}

// ProcessJob runs one delivered batch. Row-level problems are absorbed
// into counters; only infrastructure failures (remote bulk update,
// checkpoint store) return an error, which requeues the whole job.
func (s WorkerService) ProcessJob(ctx domain.Context, job domain.BatchJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	lg := slog.With(
		slog.String("job_id", job.JobID),
		slog.String("feed_key", job.FeedKey))

	// Batches commit out of order across partitions, so replay is
	// detected per batch, not by comparing against the watermark: a
	// later batch finishing first must never ack an earlier one.
	applied, err := s.Checkpoints.BatchApplied(ctx, job.FeedKey, job.JobID)
	if err != nil {
		return fmt.Errorf("job %s: applied check: %w", job.JobID, err)
	}
	if applied {
		lg.Info("batch already committed, acking replay",
			slog.Int64("last_row_index", job.LastRowIndex))
		return nil
	}

	header := domain.NewHeader(job.Header)
	firstRow := job.LastRowIndex - int64(len(job.Rows)) + 1

	// Fan out per row; admission is bounded by the rate gate inside the
	// catalog adapter, not here.
	results := make([]domain.RowResult, len(job.Rows))
	g, gctx := errgroup.WithContext(ctx)
	for i, cells := range job.Rows {
		g.Go(func() error {
			results[i] = s.Reconciler.ReconcileRow(gctx, domain.Row{Header: header, Cells: cells})
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		// Cancellation masquerades as row failures; retry the batch
		// instead of miscounting it.
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}

	var (
		payloads    []domain.UpdatePayload
		payloadRows []int64
		skipped     int64
		failed      int64
	)
	for i, res := range results {
		rowIndex := firstRow + int64(i)
		switch res.Outcome {
		case domain.OutcomeUpdate:
			payloads = append(payloads, *res.Payload)
			payloadRows = append(payloadRows, rowIndex)
		case domain.OutcomeNoChange:
			skipped++
		default:
			failed++
			lg.Warn("row failed",
				slog.Int64("row", rowIndex),
				slog.String("outcome", string(res.Outcome)),
				slog.Any("error", res.Err))
		}
		s.observe(job.FeedKey, string(res.Outcome))
	}

	var updated int64
	if len(payloads) > 0 {
		bulkResults, err := s.Catalog.BulkUpdate(ctx, payloads)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.JobID, err)
		}
		updated = int64(len(payloads))
		s.audit(lg, job.FeedKey, payloads, payloadRows, bulkResults)
	}

	// Tallies and watermark land in one exactly-once commit keyed by
	// the job id. If it fails the queue redelivers; the replay finds
	// no applied marker, reconciles to no-change and commits then, so
	// counters can never double past the feed total.
	commit := domain.BatchCommit{
		JobID:   job.JobID,
		Rows:    int64(len(job.Rows)),
		Total:   job.TotalRows,
		Updated: updated,
		Skipped: skipped,
		Failed:  failed,
	}
	if err := s.Checkpoints.CommitBatch(ctx, job.FeedKey, commit); err != nil {
		return fmt.Errorf("job %s: commit batch: %w", job.JobID, err)
	}

	lg.Info("batch processed",
		slog.Int64("updated", updated),
		slog.Int64("skipped", skipped),
		slog.Int64("failed", failed))
	return nil
}

// audit writes one updates-log line per payload the remote accepted.
// Items the batch response rejected are already logged by the catalog
// adapter and skipped here.
func (s WorkerService) audit(lg *slog.Logger, feedKey string, payloads []domain.UpdatePayload, rows []int64, results []domain.BulkResult) {
	if s.Updates == nil {
		return
	}
	rejected := make(map[int64]bool, len(results))
	for _, r := range results {
		if r.Error != "" {
			rejected[r.ID] = true
		}
	}
	for i, p := range payloads {
		if rejected[p.RemoteID] {
			continue
		}
		if err := s.Updates.Append(feedKey, rows[i], p.RemoteID, p.PartNumber); err != nil {
			lg.Warn("updates log append failed", slog.Any("error", err))
		}
	}
}

func (s WorkerService) observe(feedKey, outcome string) {
	if s.Observe != nil {
		s.Observe(feedKey, outcome)
	}
}
