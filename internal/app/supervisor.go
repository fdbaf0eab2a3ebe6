// Package app wires the pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
	"github.com/fairyhunter13/woo-catalog-sync/internal/usecase"
)

// JobConsumer is the queue side the supervisor drives.
type JobConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// Supervisor runs one synchronization pass: discover the newest feed
// folder, ingest every CSV in it, consume batch jobs until every feed
// accounts for all of its rows, then drain and stop. SIGINT/SIGTERM
// trigger the same drain path early.
type Supervisor struct {
	Cfg         config.Config
	Store       domain.ObjectStore
	Checkpoints domain.CheckpointStore
	Ingest      usecase.IngestService
	Consumer    JobConsumer

	mu         sync.Mutex
	expected   []string
	ingestDone atomic.Bool
}

// NewSupervisor constructs a Supervisor with its dependencies.
func NewSupervisor(cfg config.Config, store domain.ObjectStore, cps domain.CheckpointStore, ingest usecase.IngestService, consumer JobConsumer) *Supervisor {
	return &Supervisor{Cfg: cfg, Store: store, Checkpoints: cps, Ingest: ingest, Consumer: consumer}
}

// Run executes the pass. It returns once every discovered feed is
// complete, the run is interrupted, or the queue consumer dies.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bucket := s.Cfg.Bucket()
	if bucket == "" {
		return fmt.Errorf("op=supervisor.Run: no bucket configured: %w", domain.ErrInvalidArgument)
	}

	folder, err := s.selectFolder(ctx, bucket)
	if err != nil {
		return err
	}
	keys, err := s.listFeeds(ctx, bucket, folder)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("op=supervisor.Run: no CSV feeds under %s/%s: %w", bucket, folder, domain.ErrNotFound)
	}

	s.mu.Lock()
	s.expected = make([]string, 0, len(keys))
	for _, k := range keys {
		s.expected = append(s.expected, usecase.FeedKey(k))
	}
	s.mu.Unlock()
	observability.FeedsDiscovered.Set(float64(len(keys)))

	// One id per pass so a run's lines correlate in shipped logs.
	lg := slog.With(slog.String("run_id", uuid.New().String()))
	lg.Info("sync run starting",
		slog.String("mode", s.Cfg.ExecutionMode),
		slog.String("bucket", bucket),
		slog.String("folder", folder),
		slog.Int("feeds", len(keys)))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	scanner := NewCompletionScanner(s.Checkpoints, s.expectedFeeds, s.Cfg.CompletionScanInterval)
	reporter := NewProgressReporter(s.Checkpoints, s.Cfg.OutputDir, s.Cfg.ProgressInterval)

	consumerErr := make(chan error, 1)
	defer func() { _ = s.Consumer.Close() }()
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := s.Consumer.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("queue consumer stopped", slog.Any("error", err))
			consumerErr <- err
			cancelRun()
		}
	}()
	go func() {
		defer wg.Done()
		scanner.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		reporter.Run(runCtx)
	}()

	// One ingestor per CSV. A failed feed is logged and dropped from the
	// completion set; the others keep going.
	g, gctx := errgroup.WithContext(runCtx)
	for _, key := range keys {
		g.Go(func() error {
			if err := s.Ingest.IngestFeed(gctx, bucket, key); err != nil {
				lg.Error("feed ingest failed",
					slog.String("object_key", key),
					slog.Any("error", err))
				s.dropExpected(usecase.FeedKey(key))
			}
			return nil
		})
	}
	go func() {
		defer wg.Done()
		_ = g.Wait()
		s.ingestDone.Store(true)
		lg.Info("all feed ingests finished")
		if len(s.expectedFeeds()) == 0 {
			lg.Error("every feed failed to ingest, stopping run")
			cancelRun()
		}
	}()

	select {
	case <-scanner.Done():
		lg.Info("all feeds complete, draining")
	case <-runCtx.Done():
		lg.Info("shutdown requested, draining")
	}
	cancelRun()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.Cfg.ShutdownTimeout):
		lg.Warn("drain timed out", slog.Duration("timeout", s.Cfg.ShutdownTimeout))
	}

	// Final snapshot regardless of how the run ended.
	reporter.ReportOnce(context.WithoutCancel(ctx))

	select {
	case err := <-consumerErr:
		return fmt.Errorf("op=supervisor.Run: %w", err)
	default:
		return nil
	}
}

// expectedFeeds returns the feed keys completion accounting waits for,
// or nil while ingestion is still registering totals.
func (s *Supervisor) expectedFeeds() []string {
	if !s.ingestDone.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.expected...)
}

func (s *Supervisor) dropExpected(feedKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, fk := range s.expected {
		if fk == feedKey {
			s.expected = append(s.expected[:i], s.expected[i+1:]...)
			return
		}
	}
}

// selectFolder picks the newest dated folder for the current mode.
// Folders are MM-DD-YYYY in production and MM-DD-YYYY-test in
// development; anything unparsable is ignored.
func (s *Supervisor) selectFolder(ctx context.Context, bucket string) (string, error) {
	folders, err := s.Store.ListFolders(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("op=supervisor.selectFolder: %w", err)
	}
	suffix := s.Cfg.FolderSuffix()
	var (
		best   string
		bestAt time.Time
	)
	for _, f := range folders {
		name := f
		if suffix != "" {
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			name = strings.TrimSuffix(name, suffix)
		} else if strings.HasSuffix(name, "-test") {
			continue
		}
		at, err := time.Parse("01-02-2006", name)
		if err != nil {
			continue
		}
		if best == "" || at.After(bestAt) {
			best, bestAt = f, at
		}
	}
	if best == "" {
		return "", fmt.Errorf("op=supervisor.selectFolder: no dated feed folders in bucket %s: %w", bucket, domain.ErrNotFound)
	}
	return best, nil
}

// listFeeds returns the folder's CSV object keys, sorted for a
// deterministic ingest order. The extension match is case-insensitive.
func (s *Supervisor) listFeeds(ctx context.Context, bucket, folder string) ([]string, error) {
	keys, err := s.Store.ListObjects(ctx, bucket, folder+"/")
	if err != nil {
		return nil, fmt.Errorf("op=supervisor.listFeeds: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.EqualFold(path.Ext(k), ".csv") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// EventLogger returns the queue event sink: it logs delivery state
// transitions and folds terminal failures into the feed's failed
// counter so completion accounting still converges.
func EventLogger(cps domain.CheckpointStore) domain.EventSink {
	return func(job domain.BatchJob, state domain.JobState, attempt int, err error) {
		switch state {
		case domain.JobStateFailed:
			slog.Error("job terminally failed",
				slog.String("job_id", job.JobID),
				slog.String("feed_key", job.FeedKey),
				slog.Int("attempt", attempt+1),
				slog.Int("rows", len(job.Rows)),
				slog.Any("error", err))
			if job.FeedKey == "" || len(job.Rows) == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if ierr := cps.IncrementCounter(ctx, job.FeedKey, domain.CounterFailed, int64(len(job.Rows))); ierr != nil {
				slog.Error("failed counter bump after terminal job failure",
					slog.String("feed_key", job.FeedKey),
					slog.Any("error", ierr))
			}
		case domain.JobStateError:
			slog.Warn("job attempt errored",
				slog.String("job_id", job.JobID),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
		default:
			slog.Debug("job state",
				slog.String("job_id", job.JobID),
				slog.String("state", string(state)),
				slog.Int("attempt", attempt+1))
		}
	}
}
