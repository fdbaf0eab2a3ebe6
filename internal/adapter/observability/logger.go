package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
)

// SetupLogger configures a JSON slog logger that tees records to stdout
// and to the info/error log files under cfg.OutputDir. The returned
// closer releases the file sinks.
func SetupLogger(cfg config.Config) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.LogLevel)
	// In dev, always show debug level
	if cfg.IsDev() {
		level = slog.LevelDebug
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("op=logger.Setup mkdir %s: %w", cfg.OutputDir, err)
	}
	infoFile, err := openLogFile(filepath.Join(cfg.OutputDir, "info-log.txt"))
	if err != nil {
		return nil, nil, err
	}
	errFile, err := openLogFile(filepath.Join(cfg.OutputDir, "error-log.txt"))
	if err != nil {
		_ = infoFile.Close()
		return nil, nil, err
	}

	h := fanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(infoFile, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(errFile, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("mode", cfg.ExecutionMode),
	)
	closer := func() {
		_ = infoFile.Close()
		_ = errFile.Close()
	}
	return logger, closer, nil
}

func openLogFile(path string) (*os.File, error) {
	// #nosec G304 -- paths are derived from configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("op=logger.Setup open %s: %w", path, err)
	}
	return f, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanoutHandler forwards each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: hs}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: hs}
}
