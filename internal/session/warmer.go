package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/store"
)

// Eligibility decides whether a user should keep a warm session.
// credentials.Source satisfies it.
type Eligibility interface {
	Eligible(ctx context.Context, userID string) (bool, error)
}

// WarmReport summarizes one warming pass.
type WarmReport struct {
	Candidates int              `json:"candidates"`
	Refreshed  int              `json:"refreshed"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Errors     map[string]error `json:"-"`
	Duration   time.Duration    `json:"duration"`
}

// Warmer re-creates sessions shortly before they expire.
type Warmer struct {
	cache    *Cache
	store    store.Store
	eligible Eligibility
	cfg      config.WarmerConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewWarmer creates a warmer over cache and its durable store.
func NewWarmer(cache *Cache, st store.Store, eligible Eligibility, cfg config.WarmerConfig, logger *slog.Logger, metrics *observability.Metrics) *Warmer {
	return &Warmer{
		cache:    cache,
		store:    st,
		eligible: eligible,
		cfg:      cfg,
		logger:   logger.With("component", "session_warmer"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// WarmSessions refreshes every eligible session expiring within the horizon.
// Per-user failures are counted in the report and never stop the pass; the
// returned error is only set when the candidate list cannot be read or ctx
// ends.
func (w *Warmer) WarmSessions(ctx context.Context) (WarmReport, error) {
	start := w.now()
	report := WarmReport{Errors: make(map[string]error)}
	w.metrics.WarmRuns.Add(1)

	ids, err := w.store.Expiring(ctx, start, start.Add(w.cfg.Horizon))
	if err != nil {
		w.metrics.StorageFailures.Add(1)
		return report, err
	}
	report.Candidates = len(ids)

	concurrency := w.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, err := w.eligible.Eligible(ctx, id)
			if err != nil || !ok {
				w.metrics.WarmSkipped.Add(1)
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				if err != nil {
					w.logger.Warn("eligibility lookup failed, skipping user", "user_id", id, "error", err)
				} else {
					w.logger.Debug("skipping ineligible user", "user_id", id)
				}
				return nil
			}

			_, err = w.cache.Refresh(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				w.metrics.WarmFailed.Add(1)
				report.Failed++
				report.Errors[id] = err
				w.logger.Warn("warming session failed", "user_id", id, "error", err)
				return nil
			}
			w.metrics.WarmRefreshed.Add(1)
			report.Refreshed++
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = w.now().Sub(start)
	w.logger.Info("warming pass complete",
		"candidates", report.Candidates,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", report.Duration,
	)
	return report, ctx.Err()
}

// Run warms once immediately, then every interval until ctx is cancelled.
func (w *Warmer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("session warmer started", "interval", w.cfg.Interval, "horizon", w.cfg.Horizon)
	for {
		if _, err := w.WarmSessions(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("warming pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("session warmer stopped")
			return
		case <-ticker.C:
		}
	}
}
