package portal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStrategy struct {
	name  string
	err   error
	page  *rod.Page
	calls *[]string
	block bool
	panic bool
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Reach(ctx context.Context, _ *Navigation) (*rod.Page, error) {
	*f.calls = append(*f.calls, f.name)
	if f.panic {
		panic("cdp connection lost")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.page, f.err
}

func TestResolverFirstSuccessWins(t *testing.T) {
	var calls []string
	want := &rod.Page{}
	metrics := observability.NewMetrics(testLogger)
	r := NewResolver([]Strategy{
		&fakeStrategy{name: StrategyActiveLink, err: errNoCandidate, calls: &calls},
		&fakeStrategy{name: StrategyDirectURL, page: want, calls: &calls},
		&fakeStrategy{name: StrategyIconClick, err: errors.New("unreachable"), calls: &calls},
	}, time.Second, testLogger, metrics)

	got, err := r.Resolve(context.Background(), &Navigation{UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != want {
		t.Error("Resolve returned a different page than the succeeding strategy")
	}
	if strings.Join(calls, ",") != "active_link,direct_url" {
		t.Errorf("strategy order = %v", calls)
	}
	if metrics.DirectURLHits.Load() != 1 || metrics.StrategyFallbacks.Load() != 1 {
		t.Errorf("metrics: direct_url=%d fallbacks=%d", metrics.DirectURLHits.Load(), metrics.StrategyFallbacks.Load())
	}
}

func TestResolverFallsThroughToLastStrategy(t *testing.T) {
	var calls []string
	want := &rod.Page{}
	metrics := observability.NewMetrics(testLogger)
	r := NewResolver([]Strategy{
		&fakeStrategy{name: StrategyActiveLink, err: errNoCandidate, calls: &calls},
		&fakeStrategy{name: StrategyDirectURL, err: errBounced, calls: &calls},
		&fakeStrategy{name: StrategyIconClick, page: want, calls: &calls},
	}, time.Second, testLogger, metrics)

	got, err := r.Resolve(context.Background(), &Navigation{UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != want {
		t.Error("Resolve should return the icon_click page")
	}
	if strings.Join(calls, ",") != "active_link,direct_url,icon_click" {
		t.Errorf("strategy order = %v", calls)
	}
	if metrics.IconClickHits.Load() != 1 || metrics.StrategyFallbacks.Load() != 2 {
		t.Errorf("metrics: icon_click=%d fallbacks=%d", metrics.IconClickHits.Load(), metrics.StrategyFallbacks.Load())
	}
}

func TestResolverAllFail(t *testing.T) {
	var calls []string
	metrics := observability.NewMetrics(testLogger)
	r := NewResolver([]Strategy{
		&fakeStrategy{name: StrategyActiveLink, err: errNoCandidate, calls: &calls},
		&fakeStrategy{name: StrategyDirectURL, err: errBounced, calls: &calls},
		&fakeStrategy{name: StrategyIconClick, panic: true, calls: &calls},
	}, time.Second, testLogger, metrics)

	_, err := r.Resolve(context.Background(), &Navigation{UserID: "u1"})

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Resolve error = %v, want NavigationError", err)
	}
	if len(navErr.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(navErr.Attempts))
	}
	if !errors.Is(navErr.Attempts[1].Err, errBounced) {
		t.Errorf("direct_url attempt = %v", navErr.Attempts[1].Err)
	}
	if !strings.Contains(navErr.Attempts[2].Err.Error(), "cdp connection lost") {
		t.Errorf("panicking strategy should be reported, got %v", navErr.Attempts[2].Err)
	}
	if !errors.Is(err, types.ErrNavigationFailed) {
		t.Error("NavigationError should unwrap to ErrNavigationFailed")
	}
	if types.CountsTowardLockout(err) {
		t.Error("navigation failures must not count toward lockout")
	}
	if metrics.StrategyFallbacks.Load() != 2 {
		t.Errorf("fallbacks = %d, want 2", metrics.StrategyFallbacks.Load())
	}
}

func TestResolverPerStrategyTimeout(t *testing.T) {
	var calls []string
	want := &rod.Page{}
	r := NewResolver([]Strategy{
		&fakeStrategy{name: StrategyActiveLink, block: true, calls: &calls},
		&fakeStrategy{name: StrategyDirectURL, page: want, calls: &calls},
	}, 20*time.Millisecond, testLogger, observability.NewMetrics(testLogger))

	got, err := r.Resolve(context.Background(), &Navigation{UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != want {
		t.Error("second strategy should run after the first timed out")
	}
}

func TestResolverStopsOnCancel(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver([]Strategy{
		&fakeStrategy{name: StrategyActiveLink, calls: &calls},
	}, time.Second, testLogger, observability.NewMetrics(testLogger))

	_, err := r.Resolve(ctx, &Navigation{UserID: "u1"})
	var navErr *types.NavigationError
	if !errors.As(err, &navErr) || !errors.Is(navErr.Attempts[0].Err, context.Canceled) {
		t.Fatalf("Resolve error = %v, want NavigationError with context.Canceled", err)
	}
	if len(calls) != 0 {
		t.Errorf("no strategy should run after cancellation, ran %v", calls)
	}
}

func TestNewStrategies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Portal.SSO.Strategies = []string{StrategyIconClick, StrategyActiveLink}
	m := NewSignatureMatcher(cfg.Portal.SSO.Signatures)

	got, err := NewStrategies(cfg.Portal, cfg.Timeouts, m, testLogger)
	if err != nil {
		t.Fatalf("NewStrategies error: %v", err)
	}
	if len(got) != 2 || got[0].Name() != StrategyIconClick || got[1].Name() != StrategyActiveLink {
		t.Errorf("strategies built out of order: %v", got)
	}

	cfg.Portal.SSO.Strategies = []string{"teleport"}
	if _, err := NewStrategies(cfg.Portal, cfg.Timeouts, m, testLogger); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestSameURL(t *testing.T) {
	if !sameURL("https://p.test/main/", "https://p.test/main") {
		t.Error("trailing slash should not matter")
	}
	if sameURL("https://p.test/main", "https://p.test/intro") {
		t.Error("different paths compared equal")
	}
}
