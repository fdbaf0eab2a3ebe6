package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

// ProgressStore is the checkpoint surface the dashboard reads and resets.
type ProgressStore interface {
	ReadAll(ctx context.Context) (map[string]domain.Progress, error)
	Reset(ctx context.Context, feedKey string) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Progress   ProgressStore
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs the dashboard server.
func NewServer(cfg config.Config, progress ProgressStore, redisCheck func(ctx context.Context) error) *Server {
	return &Server{Cfg: cfg, Progress: progress, RedisCheck: redisCheck}
}

// feedProgress is the wire shape of one feed's counters.
type feedProgress struct {
	domain.Progress
	Done     int64 `json:"done"`
	Complete bool  `json:"complete"`
}

func toFeedProgress(p domain.Progress) feedProgress {
	return feedProgress{Progress: p, Done: p.Done(), Complete: p.Complete()}
}

// ProgressHandler returns the full per-feed snapshot plus an overall roll-up.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		progress, err := s.Progress.ReadAll(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("read progress: %w", err), nil)
			return
		}
		feeds := make([]string, 0, len(progress))
		for fk := range progress {
			feeds = append(feeds, fk)
		}
		sort.Strings(feeds)

		var overall domain.Progress
		views := make([]feedProgress, 0, len(feeds))
		for _, fk := range feeds {
			p := progress[fk]
			overall.Updated += p.Updated
			overall.Skipped += p.Skipped
			overall.Failed += p.Failed
			overall.Total += p.Total
			views = append(views, toFeedProgress(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"feeds":   views,
			"overall": toFeedProgress(overall),
		})
	}
}

// FeedProgressHandler returns one feed's counters.
func (s *Server) FeedProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feedKey := chi.URLParam(r, "feedKey")
		progress, err := s.Progress.ReadAll(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("read progress: %w", err), nil)
			return
		}
		p, ok := progress[feedKey]
		if !ok {
			writeError(w, r, fmt.Errorf("feed %s: %w", feedKey, domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, toFeedProgress(p))
	}
}

type resetRequest struct {
	FeedKey string `json:"feed_key"`
}

// CheckpointResetHandler clears checkpoint state so the next run starts
// from scratch. An empty or omitted feed_key resets every feed.
func (s *Server) CheckpointResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		body := http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: malformed reset request", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Progress.Reset(r.Context(), req.FeedKey); err != nil {
			writeError(w, r, fmt.Errorf("reset checkpoint: %w", err), nil)
			return
		}
		scope := req.FeedKey
		if scope == "" {
			scope = "all"
		}
		LoggerFrom(r).Info("checkpoint reset", slog.String("feed_key", scope))
		writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "feed_key": scope})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
