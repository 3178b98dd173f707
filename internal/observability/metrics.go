package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks session manager counters.
type Metrics struct {
	// Cache
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
	CacheStoreHits     atomic.Int64
	SessionsCreated    atomic.Int64
	SessionsFailed     atomic.Int64
	SessionsInvalidate atomic.Int64
	LiveCookieRefresh  atomic.Int64
	SharedWaits        atomic.Int64

	// Failure taxonomy
	LoginFailures      atomic.Int64
	NavigationFailures atomic.Int64
	ResourceFailures   atomic.Int64
	CredentialFailures atomic.Int64
	StorageFailures    atomic.Int64

	// Browser
	ContextsOpen      atomic.Int32
	ContextFailures   atomic.Int64
	ThrowawayContexts atomic.Int64
	BrowserRelaunches atomic.Int64

	// SSO strategies
	StrategyFallbacks atomic.Int64
	ActiveLinkHits    atomic.Int64
	DirectURLHits     atomic.Int64
	IconClickHits     atomic.Int64

	// Warmer
	WarmRuns      atomic.Int64
	WarmRefreshed atomic.Int64
	WarmFailed    atomic.Int64
	WarmSkipped   atomic.Int64

	// Replay
	ReplayRequests atomic.Int64
	ReplayRejected atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

type metric struct {
	name  string
	help  string
	kind  string
	value int64
}

func (m *Metrics) list() []metric {
	return []metric{
		{"portalsession_cache_hits_total", "Sessions served from memory", "counter", m.CacheHits.Load()},
		{"portalsession_cache_misses_total", "Lookups that required a login", "counter", m.CacheMisses.Load()},
		{"portalsession_cache_store_hits_total", "Sessions served from the durable store", "counter", m.CacheStoreHits.Load()},
		{"portalsession_sessions_created_total", "Sessions created by a full login", "counter", m.SessionsCreated.Load()},
		{"portalsession_sessions_failed_total", "Session creations that failed", "counter", m.SessionsFailed.Load()},
		{"portalsession_sessions_invalidated_total", "Explicit invalidations", "counter", m.SessionsInvalidate.Load()},
		{"portalsession_live_cookie_refresh_total", "Jars replaced from a live context", "counter", m.LiveCookieRefresh.Load()},
		{"portalsession_singleflight_shared_total", "Callers that joined an in-flight creation", "counter", m.SharedWaits.Load()},
		{"portalsession_login_failures_total", "Login signal timeouts", "counter", m.LoginFailures.Load()},
		{"portalsession_navigation_failures_total", "SSO navigation failures", "counter", m.NavigationFailures.Load()},
		{"portalsession_resource_failures_total", "Browser resource failures", "counter", m.ResourceFailures.Load()},
		{"portalsession_credential_failures_total", "Credential and key failures", "counter", m.CredentialFailures.Load()},
		{"portalsession_storage_failures_total", "Durable store failures", "counter", m.StorageFailures.Load()},
		{"portalsession_contexts_open", "Browser contexts currently open", "gauge", int64(m.ContextsOpen.Load())},
		{"portalsession_context_failures_total", "Failures to open a context on the shared browser", "counter", m.ContextFailures.Load()},
		{"portalsession_throwaway_contexts_total", "Contexts served by a throwaway browser", "counter", m.ThrowawayContexts.Load()},
		{"portalsession_browser_relaunches_total", "Shared browser relaunches", "counter", m.BrowserRelaunches.Load()},
		{"portalsession_strategy_fallbacks_total", "SSO strategies that failed over to the next", "counter", m.StrategyFallbacks.Load()},
		{"portalsession_strategy_active_link_total", "Partner reached via the active carousel link", "counter", m.ActiveLinkHits.Load()},
		{"portalsession_strategy_direct_url_total", "Partner reached via the direct intro URL", "counter", m.DirectURLHits.Load()},
		{"portalsession_strategy_icon_click_total", "Partner reached via an icon click", "counter", m.IconClickHits.Load()},
		{"portalsession_warm_runs_total", "Warmer passes", "counter", m.WarmRuns.Load()},
		{"portalsession_warm_refreshed_total", "Sessions refreshed by the warmer", "counter", m.WarmRefreshed.Load()},
		{"portalsession_warm_failed_total", "Warmer refresh failures", "counter", m.WarmFailed.Load()},
		{"portalsession_warm_skipped_total", "Expiring sessions skipped as ineligible", "counter", m.WarmSkipped.Load()},
		{"portalsession_replay_requests_total", "Requests replayed with session cookies", "counter", m.ReplayRequests.Load()},
		{"portalsession_replay_rejected_total", "Replayed requests bounced to login", "counter", m.ReplayRejected.Load()},
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	for _, metric := range m.list() {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.kind)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// RecordFailure bumps the counter for a failure reason name as produced by
// types.Reason.
func (m *Metrics) RecordFailure(reason string) {
	m.SessionsFailed.Add(1)
	switch reason {
	case "login":
		m.LoginFailures.Add(1)
	case "navigation":
		m.NavigationFailures.Add(1)
	case "resource":
		m.ResourceFailures.Add(1)
	case "credential":
		m.CredentialFailures.Add(1)
	case "storage":
		m.StorageFailures.Add(1)
	}
}

// RecordStrategy bumps the success counter for an SSO strategy name.
func (m *Metrics) RecordStrategy(name string) {
	switch name {
	case "active_link":
		m.ActiveLinkHits.Add(1)
	case "direct_url":
		m.DirectURLHits.Add(1)
	case "icon_click":
		m.IconClickHits.Add(1)
	}
}

// StartServer serves metrics on port until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("metrics server starting", "addr", srv.Addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return nil
}

// Snapshot returns all metrics as a map keyed without the name prefix.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for _, metric := range m.list() {
		name := metric.name[len("portalsession_"):]
		out[name] = metric.value
	}
	return out
}
