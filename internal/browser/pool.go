// Package browser owns the shared headless Chromium process and hands out
// isolated incognito contexts to login flows.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/types"
)

// ContextOptions configures a new execution context.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// Pool manages one shared browser process.
type Pool struct {
	cfg     config.BrowserConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	contexts map[*Context]struct{}
	failures int
	shutdown bool
	launchFn func(ctx context.Context) (*rod.Browser, *launcher.Launcher, error)
}

// NewPool creates a pool. Nothing is launched until Initialize.
func NewPool(cfg config.BrowserConfig, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	p := &Pool{
		cfg:      cfg,
		logger:   logger.With("component", "browser_pool"),
		metrics:  metrics,
		contexts: make(map[*Context]struct{}),
	}
	p.launchFn = p.launch
	return p
}

// DefaultContextOptions returns the viewport and user agent from config.
func (p *Pool) DefaultContextOptions() ContextOptions {
	return ContextOptions{
		ViewportWidth:  p.cfg.ViewportWidth,
		ViewportHeight: p.cfg.ViewportHeight,
		UserAgent:      p.cfg.UserAgent,
	}
}

// Initialize launches (or connects to) the shared browser. Calling it again
// after a successful start is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return types.ErrPoolClosed
	}
	if p.browser != nil {
		return nil
	}

	b, l, err := p.launchFn(ctx)
	if err != nil {
		return &types.ResourceError{Op: "initialize", Err: err}
	}
	p.browser, p.launcher = b, l

	p.logger.Info("browser pool ready",
		"headless", p.cfg.Headless,
		"remote", p.cfg.RemoteURL != "",
		"stealth", p.cfg.Stealth,
	)
	return nil
}

// Initialized reports whether a shared browser is running.
func (p *Pool) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.browser != nil
}

// launch starts a Chromium instance with the pool's flags, or connects to the
// configured remote debugging URL.
func (p *Pool) launch(ctx context.Context) (*rod.Browser, *launcher.Launcher, error) {
	var (
		controlURL string
		l          *launcher.Launcher
		err        error
	)

	if p.cfg.RemoteURL != "" {
		controlURL, err = launcher.ResolveURL(p.cfg.RemoteURL)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve remote browser: %w", err)
		}
	} else {
		l = launcher.New().
			Context(ctx).
			Headless(p.cfg.Headless).
			NoSandbox(p.cfg.NoSandbox).
			Set("disable-gpu").
			Set("disable-dev-shm-usage").
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", p.cfg.ViewportWidth, p.cfg.ViewportHeight))

		if p.cfg.Bin != "" {
			l = l.Bin(p.cfg.Bin)
		}
		if p.cfg.Proxy != "" {
			l = l.Proxy(p.cfg.Proxy)
		}

		controlURL, err = l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch browser: %w", err)
		}
	}

	b := rod.New().ControlURL(controlURL).NoDefaultDevice()
	if err := b.Context(ctx).Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}

	// The launcher context only bounds startup.
	return b.Context(context.Background()), l, nil
}

// NewContext opens an isolated context. When the pool was never initialized,
// or the shared process cannot create contexts, a throwaway process is
// launched and owned by the returned context.
func (p *Pool) NewContext(ctx context.Context, opts ContextOptions) (*Context, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, types.ErrPoolClosed
	}
	shared := p.browser
	p.mu.Unlock()

	if shared != nil {
		c, err := p.sharedContext(shared, opts)
		if err == nil {
			return c, nil
		}
		p.recordFailure(ctx, shared, err)
	}

	return p.throwawayContext(ctx, opts)
}

func (p *Pool) sharedContext(shared *rod.Browser, opts ContextOptions) (*Context, error) {
	incognito, err := shared.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}

	c := newContext(p, incognito, nil, opts)

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		_ = c.Close()
		return nil, types.ErrPoolClosed
	}
	p.contexts[c] = struct{}{}
	p.failures = 0
	p.mu.Unlock()

	p.metrics.ContextsOpen.Add(1)
	return c, nil
}

func (p *Pool) throwawayContext(ctx context.Context, opts ContextOptions) (*Context, error) {
	b, l, err := p.launchFn(ctx)
	if err != nil {
		return nil, &types.ResourceError{Op: "throwaway launch", Err: errors.Join(types.ErrBrowserUnavailable, err)}
	}

	incognito, err := b.Incognito()
	if err != nil {
		_ = b.Close()
		if l != nil {
			l.Kill()
		}
		return nil, &types.ResourceError{Op: "throwaway context", Err: err}
	}

	c := newContext(p, incognito, &ownedProcess{browser: b, launcher: l}, opts)

	p.mu.Lock()
	p.contexts[c] = struct{}{}
	p.mu.Unlock()

	p.metrics.ThrowawayContexts.Add(1)
	p.metrics.ContextsOpen.Add(1)
	p.logger.Warn("shared browser unavailable, using throwaway process")
	return c, nil
}

// recordFailure counts a shared-process failure and relaunches the process
// once the configured threshold is reached.
func (p *Pool) recordFailure(ctx context.Context, failed *rod.Browser, cause error) {
	p.metrics.ContextFailures.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller already replaced the process.
	if p.browser != failed || p.shutdown {
		return
	}

	p.failures++
	p.logger.Error("context creation failed on shared browser",
		"error", cause,
		"consecutive_failures", p.failures,
	)
	if p.failures < p.cfg.MaxContextFailures {
		return
	}

	p.logger.Warn("relaunching shared browser", "failures", p.failures)
	p.closeProcessLocked()

	b, l, err := p.launchFn(ctx)
	if err != nil {
		p.logger.Error("relaunch failed, pool degraded to throwaway contexts", "error", err)
		return
	}
	p.browser, p.launcher = b, l
	p.failures = 0
	p.metrics.BrowserRelaunches.Add(1)
}

func (p *Pool) closeProcessLocked() {
	if p.browser != nil {
		_ = p.browser.Close()
		p.browser = nil
	}
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher.Cleanup()
		p.launcher = nil
	}
}

// release is called by Context.Close.
func (p *Pool) release(c *Context) {
	p.mu.Lock()
	_, ok := p.contexts[c]
	delete(p.contexts, c)
	p.mu.Unlock()

	if ok {
		p.metrics.ContextsOpen.Add(-1)
	}
}

// Shutdown closes every outstanding context, then the shared process.
// It is safe to call more than once.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	open := make([]*Context, 0, len(p.contexts))
	for c := range p.contexts {
		open = append(open, c)
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.closeProcessLocked()
	p.mu.Unlock()

	p.logger.Info("browser pool shut down", "contexts_closed", len(open))
	return errors.Join(errs...)
}

// OpenContexts returns the number of contexts not yet closed.
func (p *Pool) OpenContexts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}
