package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

const defaultCompletionInterval = 5 * time.Second

// CompletionScanner polls checkpoint progress and signals Done once
// every expected feed accounts for all of its rows. Feeds only count
// once the expected set is known, so a slow ingest cannot race an
// early completion.
type CompletionScanner struct {
	cps      domain.CheckpointStore
	expected func() []string
	interval time.Duration

	once      sync.Once
	done      chan struct{}
	completed map[string]bool
}

// NewCompletionScanner builds a scanner. expected returns the feed keys
// the run waits for, or nil while discovery is still underway.
func NewCompletionScanner(cps domain.CheckpointStore, expected func() []string, interval time.Duration) *CompletionScanner {
	if interval <= 0 {
		interval = defaultCompletionInterval
	}
	if expected == nil {
		expected = func() []string { return nil }
	}
	return &CompletionScanner{
		cps:       cps,
		expected:  expected,
		interval:  interval,
		done:      make(chan struct{}),
		completed: make(map[string]bool),
	}
}

// Done is closed when every expected feed has completed.
func (s *CompletionScanner) Done() <-chan struct{} { return s.done }

// Run polls until completion or context cancellation.
func (s *CompletionScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	if s.scanOnce(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.scanOnce(ctx) {
				return
			}
		}
	}
}

// scanOnce reads progress for every expected feed and reports whether
// the whole run is complete.
func (s *CompletionScanner) scanOnce(ctx context.Context) bool {
	feeds := s.expected()
	if len(feeds) == 0 {
		return false
	}
	tr := otel.Tracer("app")
	ctx, span := tr.Start(ctx, "sync.completion_scan")
	defer span.End()
	span.SetAttributes(attribute.Int("feeds.expected", len(feeds)))

	progress, err := s.cps.ReadAll(ctx)
	if err != nil {
		slog.Warn("completion scan failed", slog.Any("error", err))
		return false
	}
	allDone := true
	for _, fk := range feeds {
		p, ok := progress[fk]
		// A registered feed with zero rows has nothing to wait for.
		if !ok || !(p.Complete() || p.Total == 0) {
			allDone = false
			continue
		}
		if !s.completed[fk] {
			s.completed[fk] = true
			observability.FeedsCompletedTotal.Inc()
			slog.Info("feed complete",
				slog.String("feed_key", fk),
				slog.Int64("total", p.Total),
				slog.Int64("updated", p.Updated),
				slog.Int64("skipped", p.Skipped),
				slog.Int64("failed", p.Failed))
		}
	}
	span.SetAttributes(attribute.Int("feeds.completed", len(s.completed)))
	if allDone {
		s.once.Do(func() { close(s.done) })
	}
	return allDone
}
