package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/IshaanNene/portalsession/internal/types"
)

var resourceTypes = map[string]proto.NetworkResourceType{
	"image":      proto.NetworkResourceTypeImage,
	"stylesheet": proto.NetworkResourceTypeStylesheet,
	"font":       proto.NetworkResourceTypeFont,
	"media":      proto.NetworkResourceTypeMedia,
}

// ownedProcess is a throwaway browser that dies with its context.
type ownedProcess struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// Context is an isolated incognito browser context with its own cookie store.
// It satisfies types.LiveContext.
type Context struct {
	pool    *Pool
	browser *rod.Browser
	owned   *ownedProcess
	opts    ContextOptions
	logger  *slog.Logger

	// lifetime is cancelled on Close and bounds every background listener.
	lifetime context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	routers []*rod.HijackRouter
	cancels []context.CancelFunc
	closed  bool
}

func newContext(pool *Pool, incognito *rod.Browser, owned *ownedProcess, opts ContextOptions) *Context {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Context{
		pool:     pool,
		browser:  incognito.Context(lifetime),
		owned:    owned,
		opts:     opts,
		logger:   pool.logger.With("context_id", string(incognito.BrowserContextID), "throwaway", owned != nil),
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// ID returns the browser context id.
func (c *Context) ID() proto.BrowserBrowserContextID {
	return c.browser.BrowserContextID
}

// Throwaway reports whether the context owns its own browser process.
// Throwaway contexts must not be kept alive after a login completes.
func (c *Context) Throwaway() bool {
	return c.owned != nil
}

// Alive reports whether Close has not been called.
func (c *Context) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// NewPage opens a page in this context with viewport, user agent, resource
// blocking and dialog auto-accept applied. The returned page outlives ctx;
// callers bind their own deadlines with page.Context.
func (c *Context) NewPage(ctx context.Context) (*rod.Page, error) {
	if !c.Alive() {
		return nil, &types.ResourceError{Op: "new page", Err: errors.New("context closed")}
	}

	// Pages keep the browser handle they were created with, so creation runs
	// under the context lifetime and ctx only bounds the wait.
	bctx, cancel := context.WithCancel(c.lifetime)
	stop := context.AfterFunc(ctx, cancel)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	b := c.browser.Context(bctx)

	var (
		page *rod.Page
		err  error
	)
	if c.pool.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if !stop() {
		if err == nil {
			_ = page.Context(c.lifetime).Close()
		}
		return nil, &types.ResourceError{Op: "new page", Err: ctx.Err()}
	}
	if err != nil {
		return nil, &types.ResourceError{Op: "new page", Err: err}
	}

	if err := c.preparePage(page); err != nil {
		_ = page.Close()
		return nil, &types.ResourceError{Op: "prepare page", Err: err}
	}
	return page.Context(c.lifetime), nil
}

// preparePage applies per-page settings. It is also used for pages the portal
// opens on its own (popups, target=_blank).
func (c *Context) preparePage(page *rod.Page) error {
	if c.opts.ViewportWidth > 0 && c.opts.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             c.opts.ViewportWidth,
			Height:            c.opts.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}

	if c.opts.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: c.opts.UserAgent,
		})
		if err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	bg := page.Context(c.lifetime)

	// Login pages raise alert() on bad input; an unhandled dialog freezes the page.
	go bg.EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		c.logger.Debug("accepting dialog", "type", e.Type, "message", e.Message)
		_ = proto.PageHandleJavaScriptDialog{Accept: true}.Call(bg)
	})()

	if len(c.pool.cfg.BlockResources) > 0 {
		router := bg.HijackRequests()
		for _, name := range c.pool.cfg.BlockResources {
			rt, ok := resourceTypes[name]
			if !ok {
				continue
			}
			err := router.Add("*", rt, func(h *rod.Hijack) {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			})
			if err != nil {
				_ = router.Stop()
				return fmt.Errorf("block %s: %w", name, err)
			}
		}
		go router.Run()

		c.mu.Lock()
		c.routers = append(c.routers, router)
		c.mu.Unlock()
	}

	return nil
}

// Pages lists the open pages that belong to this context.
func (c *Context) Pages(ctx context.Context) ([]*rod.Page, error) {
	res, err := proto.TargetGetTargets{}.Call(c.browser.Context(ctx))
	if err != nil {
		return nil, &types.ResourceError{Op: "list pages", Err: err}
	}

	var pages []*rod.Page
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage || info.BrowserContextID != c.ID() {
			continue
		}
		page, err := c.browser.PageFromTarget(info.TargetID)
		if err != nil {
			return nil, &types.ResourceError{Op: "attach page", Err: err}
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// PageOpened streams pages created inside this context after the call, for
// example by a click that opens a new window. The channel closes when ctx is
// done or the context is closed.
func (c *Context) PageOpened(ctx context.Context) <-chan *rod.Page {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)

	created := make(chan proto.TargetTargetID, 8)
	wait := c.browser.Context(ctx).EachEvent(func(e *proto.TargetTargetCreated) bool {
		info := e.TargetInfo
		if info == nil || info.Type != proto.TargetTargetInfoTypePage || info.BrowserContextID != c.ID() {
			return false
		}
		select {
		case created <- info.TargetID:
		case <-ctx.Done():
			return true
		}
		return false
	})

	go func() {
		defer close(created)
		wait()
	}()

	out := make(chan *rod.Page)
	go func() {
		defer close(out)
		defer stop()
		defer cancel()
		for id := range created {
			page, err := c.browser.PageFromTarget(id)
			if err != nil {
				c.logger.Debug("attach opened page failed", "target", id, "error", err)
				continue
			}
			if err := c.preparePage(page); err != nil {
				c.logger.Debug("prepare opened page failed", "target", id, "error", err)
			}
			select {
			case out <- page:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Cookies reads the context's cookie store, HttpOnly cookies included.
func (c *Context) Cookies(ctx context.Context) ([]types.Cookie, error) {
	if !c.Alive() {
		return nil, &types.ResourceError{Op: "read cookies", Err: errors.New("context closed")}
	}

	raw, err := c.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, &types.ResourceError{Op: "read cookies", Err: err}
	}
	return convertCookies(raw), nil
}

func convertCookies(raw []*proto.NetworkCookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		out = append(out, types.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return out
}

// Close disposes the browser context, and the process when it owns one.
// Calling Close more than once is safe.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	routers := c.routers
	cancels := c.cancels
	c.routers, c.cancels = nil, nil
	c.mu.Unlock()

	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for _, r := range routers {
		_ = r.Stop()
	}

	var errs []error
	if err := c.browser.Context(context.Background()).Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispose context: %w", err))
	}
	c.cancel()

	if c.owned != nil {
		if err := c.owned.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close throwaway browser: %w", err))
		}
		if c.owned.launcher != nil {
			c.owned.launcher.Kill()
			c.owned.launcher.Cleanup()
		}
	}

	c.pool.release(c)

	if len(errs) > 0 {
		return &types.ResourceError{Op: "close context", Err: errors.Join(errs...)}
	}
	return nil
}
