package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/IshaanNene/portalsession/internal/browser"
	"github.com/IshaanNene/portalsession/internal/cipher"
	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/credentials"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/portal"
	"github.com/IshaanNene/portalsession/internal/session"
	"github.com/IshaanNene/portalsession/internal/store"
)

// app holds the wired runtime. Commands build one, use it, and close it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	pool    *browser.Pool
	store   store.Store
	source  *credentials.Static
	cache   *session.Cache
	warmer  *session.Warmer

	logCloser io.Closer
}

// newApp loads config and wires every component. The shared browser is
// started eagerly; when it cannot be, contexts fall back to throwaway
// processes.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		metrics:   observability.NewMetrics(logger),
	}

	// Validate already parsed the key; this keeps the parsed form.
	c, err := cipher.New(cfg.Portal.RSAPublicKey)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.store, err = store.Open(ctx, cfg.Store, logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	strategies, err := portal.NewStrategies(cfg.Portal, cfg.Timeouts, portal.NewSignatureMatcher(cfg.Portal.SSO.Signatures), logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.pool = browser.NewPool(cfg.Browser, logger, a.metrics)
	if err := a.pool.Initialize(ctx); err != nil {
		logger.Warn("shared browser unavailable, contexts will use throwaway processes", "error", err)
	}

	a.source = credentials.NewStatic(cfg.Credentials.Accounts)
	auth := portal.NewAuthenticator(
		a.pool,
		portal.NewLoginExecutor(cfg.Portal, cfg.Timeouts, c, logger),
		portal.NewResolver(strategies, cfg.Timeouts.Strategy, logger, a.metrics),
		a.source,
		logger,
	)

	a.cache = session.NewCache(a.store, auth, cfg.Session.TTL, cfg.Timeouts.Creation, logger, a.metrics)
	a.warmer = session.NewWarmer(a.cache, a.store, a.source, cfg.Warmer, logger, a.metrics)
	return a, nil
}

// close tears down in reverse order of construction.
func (a *app) close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Shutdown())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
