package portal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"

	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/types"
)

// Resolver runs strategies in order and returns the first page that reached
// the partner index.
type Resolver struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewResolver creates a resolver. Each strategy runs under its own timeout.
func NewResolver(strategies []Strategy, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		strategies: strategies,
		timeout:    timeout,
		logger:     logger.With("component", "sso_resolver"),
		metrics:    metrics,
	}
}

// Resolve returns a *types.NavigationError listing every attempt when no
// strategy succeeds.
func (r *Resolver) Resolve(ctx context.Context, nav *Navigation) (*rod.Page, error) {
	log := r.logger.With("user_id", nav.UserID)
	attempts := make([]types.StrategyFailure, 0, len(r.strategies))

	for i, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, types.StrategyFailure{Strategy: s.Name(), Err: err})
			break
		}

		start := time.Now()
		page, err := r.run(ctx, s, nav)
		if err == nil {
			r.metrics.RecordStrategy(s.Name())
			log.Info("partner portal reached", "strategy", s.Name(), "duration", time.Since(start))
			return page, nil
		}

		attempts = append(attempts, types.StrategyFailure{Strategy: s.Name(), Err: err})
		log.Warn("sso strategy failed", "strategy", s.Name(), "error", err, "duration", time.Since(start))
		if i < len(r.strategies)-1 {
			r.metrics.StrategyFallbacks.Add(1)
		}
	}

	return nil, &types.NavigationError{UserID: nav.UserID, Attempts: attempts}
}

func (r *Resolver) run(ctx context.Context, s Strategy, nav *Navigation) (page *rod.Page, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			page, err = nil, &types.ResourceError{Op: s.Name(), Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return s.Reach(ctx, nav)
}
