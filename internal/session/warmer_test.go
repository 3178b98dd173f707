package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/store"
	"github.com/IshaanNene/portalsession/internal/types"
)

type eligibilityFunc func(ctx context.Context, userID string) (bool, error)

func (f eligibilityFunc) Eligible(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

func allEligible() Eligibility {
	return eligibilityFunc(func(context.Context, string) (bool, error) { return true, nil })
}

func seed(t *testing.T, st store.Store, userID string, expiresIn time.Duration) {
	t.Helper()
	rec := types.NewSessionRecord(userID, jarFor(userID, 20), time.Now(), expiresIn)
	require.NoError(t, st.Upsert(context.Background(), rec))
}

func warmerConfig() config.WarmerConfig {
	return config.WarmerConfig{Enabled: true, Interval: time.Hour, Horizon: 2 * time.Hour, Concurrency: 2}
}

func TestWarmSessions(t *testing.T) {
	failing := errors.New("portal down")
	creator := CreatorFunc(func(_ context.Context, userID string) ([]types.Cookie, types.LiveContext, error) {
		if userID == "broken" {
			return nil, nil, &types.NavigationError{UserID: userID, Attempts: []types.StrategyFailure{{Strategy: "direct_url", Err: failing}}}
		}
		return jarFor(userID, 1), nil, nil
	})

	st := store.NewMemoryStore()
	metrics := observability.NewMetrics(testLogger)
	cache := NewCache(st, creator, 6*time.Hour, time.Second, testLogger, metrics)
	defer cache.Close()

	seed(t, st, "soon", 30*time.Minute)
	seed(t, st, "broken", time.Hour)
	seed(t, st, "disabled", time.Hour)
	seed(t, st, "later", 5*time.Hour)

	eligible := eligibilityFunc(func(_ context.Context, userID string) (bool, error) {
		return userID != "disabled", nil
	})
	w := NewWarmer(cache, st, eligible, warmerConfig(), testLogger, metrics)

	report, err := w.WarmSessions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, types.ReasonNavigation, types.Reason(report.Errors["broken"]))

	rec, err := st.Get(context.Background(), "soon")
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.After(time.Now().Add(5*time.Hour)), "refreshed session gets a full TTL")

	later, err := st.Get(context.Background(), "later")
	require.NoError(t, err)
	assert.True(t, types.SameCookies(jarFor("later", 20), later.Cookies), "sessions outside the horizon are untouched")

	assert.EqualValues(t, 1, metrics.WarmRuns.Load())
	assert.EqualValues(t, 1, metrics.WarmRefreshed.Load())
	assert.EqualValues(t, 1, metrics.WarmFailed.Load())
	assert.EqualValues(t, 1, metrics.WarmSkipped.Load())
}

func TestWarmSessionsRespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	creator := CreatorFunc(func(_ context.Context, userID string) ([]types.Cookie, types.LiveContext, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return jarFor(userID, 1), nil, nil
	})

	st := store.NewMemoryStore()
	metrics := observability.NewMetrics(testLogger)
	cache := NewCache(st, creator, 6*time.Hour, time.Second, testLogger, metrics)
	defer cache.Close()

	for _, u := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		seed(t, st, u, time.Hour)
	}

	w := NewWarmer(cache, st, allEligible(), warmerConfig(), testLogger, metrics)
	report, err := w.WarmSessions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Refreshed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type brokenStore struct{ *store.MemoryStore }

func (brokenStore) Expiring(context.Context, time.Time, time.Time) ([]string, error) {
	return nil, &types.StorageError{Backend: "memory", Err: errors.New("connection refused")}
}

func TestWarmSessionsStoreFailure(t *testing.T) {
	st := brokenStore{store.NewMemoryStore()}
	metrics := observability.NewMetrics(testLogger)
	cache := NewCache(st, &fakeCreator{}, time.Hour, time.Second, testLogger, metrics)
	defer cache.Close()

	w := NewWarmer(cache, st, allEligible(), warmerConfig(), testLogger, metrics)
	_, err := w.WarmSessions(context.Background())
	assert.Equal(t, types.ReasonStorage, types.Reason(err))
}

func TestWarmerRunStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	metrics := observability.NewMetrics(testLogger)
	cache := NewCache(st, &fakeCreator{}, time.Hour, time.Second, testLogger, metrics)
	defer cache.Close()

	cfg := warmerConfig()
	cfg.Interval = 5 * time.Millisecond
	w := NewWarmer(cache, st, allEligible(), cfg, testLogger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return metrics.WarmRuns.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
