package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/natefinch/atomic"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

const (
	defaultProgressInterval = 10 * time.Second
	progressFileName        = "update-progress.txt"
)

// ProgressReporter periodically logs an overall progress line and
// overwrites OUTPUT_DIR/update-progress.txt with a per-feed snapshot.
type ProgressReporter struct {
	cps      domain.CheckpointStore
	dir      string
	interval time.Duration
}

// NewProgressReporter builds a reporter writing snapshots under dir.
func NewProgressReporter(cps domain.CheckpointStore, dir string, interval time.Duration) *ProgressReporter {
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	return &ProgressReporter{cps: cps, dir: dir, interval: interval}
}

// Run reports on a fixed cadence until the context is cancelled. The
// caller issues the final report after draining.
func (r *ProgressReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReportOnce(ctx)
		}
	}
}

// ReportOnce reads all feed progress, logs a summary, and rewrites the
// snapshot file. Failures are logged and swallowed; reporting must
// never take the run down.
func (r *ProgressReporter) ReportOnce(ctx context.Context) {
	progress, err := r.cps.ReadAll(ctx)
	if err != nil {
		slog.Warn("progress read failed", slog.Any("error", err))
		return
	}
	if len(progress) == 0 {
		return
	}

	feeds := make([]string, 0, len(progress))
	for fk := range progress {
		feeds = append(feeds, fk)
	}
	sort.Strings(feeds)

	var overall domain.Progress
	for _, fk := range feeds {
		p := progress[fk]
		overall.Updated += p.Updated
		overall.Skipped += p.Skipped
		overall.Failed += p.Failed
		overall.Total += p.Total
	}
	slog.Info("sync progress",
		slog.Int("feeds", len(feeds)),
		slog.Int64("done", overall.Done()),
		slog.Int64("total", overall.Total),
		slog.Int64("updated", overall.Updated),
		slog.Int64("skipped", overall.Skipped),
		slog.Int64("failed", overall.Failed))

	if err := r.writeSnapshot(feeds, progress, overall); err != nil {
		slog.Warn("progress snapshot write failed", slog.Any("error", err))
	}
}

func (r *ProgressReporter) writeSnapshot(feeds []string, progress map[string]domain.Progress, overall domain.Progress) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Catalog sync progress at %s\n\n", time.Now().UTC().Format(time.RFC3339))
	for _, fk := range feeds {
		p := progress[fk]
		status := ""
		if p.Complete() {
			status = "  complete"
		}
		fmt.Fprintf(&buf, "%s: %d/%d rows (updated=%d skipped=%d failed=%d)%s\n",
			fk, p.Done(), p.Total, p.Updated, p.Skipped, p.Failed, status)
	}
	fmt.Fprintf(&buf, "\nOverall: %d/%d rows (updated=%d skipped=%d failed=%d)\n",
		overall.Done(), overall.Total, overall.Updated, overall.Skipped, overall.Failed)

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return fmt.Errorf("create output dir %s: %w", r.dir, err)
	}
	path := filepath.Join(r.dir, progressFileName)
	if err := atomic.WriteFile(path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
