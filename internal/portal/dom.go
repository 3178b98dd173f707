package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/IshaanNene/portalsession/internal/types"
)

// Browser is the part of a browser context the login flow drives.
type Browser interface {
	NewPage(ctx context.Context) (*rod.Page, error)
	Pages(ctx context.Context) ([]*rod.Page, error)
	PageOpened(ctx context.Context) <-chan *rod.Page
	Cookies(ctx context.Context) ([]types.Cookie, error)
}

// poll evaluates cond every interval until it holds, ctx ends, or timeout
// elapses.
func poll(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) bool) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if cond(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// navigate loads url in page and waits for DOMContentLoaded.
func navigate(ctx context.Context, page *rod.Page, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("navigate %s: waiting for DOMContentLoaded: %w", url, err)
	}
	return nil
}

// settle waits for the page to stop changing. It never fails the caller.
func settle(ctx context.Context, page *rod.Page, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return page.Context(ctx).WaitStable(300 * time.Millisecond)
}

// currentURL returns the top-level URL of page, or "" when unavailable. The
// lookup is bounded by ctx.
func currentURL(ctx context.Context, page *rod.Page) string {
	if page == nil {
		return ""
	}
	info, err := page.Context(ctx).Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

// frameDocument is a rendered HTML snapshot of one frame.
type frameDocument struct {
	page *rod.Page
	url  string
	html string
}

// frameDocuments snapshots the main document and every reachable iframe.
// Frames that cannot be read (cross-origin, detached) are skipped.
func frameDocuments(ctx context.Context, page *rod.Page) []frameDocument {
	main := page.Context(ctx)

	var docs []frameDocument
	if doc, err := snapshot(main); err == nil {
		docs = append(docs, doc)
	}

	iframes, err := main.Elements("iframe")
	if err != nil {
		return docs
	}
	for _, el := range iframes {
		frame, err := el.Frame()
		if err != nil {
			continue
		}
		if doc, err := snapshot(frame); err == nil {
			docs = append(docs, doc)
		}
	}
	return docs
}

func snapshot(frame *rod.Page) (frameDocument, error) {
	html, err := frame.HTML()
	if err != nil {
		return frameDocument{}, err
	}
	doc := frameDocument{page: frame, html: html}
	if res, err := frame.Eval(`() => location.href`); err == nil {
		doc.url = res.Value.Str()
	}
	return doc, nil
}

// clickElement performs a trusted mouse click and falls back to a DOM click
// for elements that are covered or off-screen.
func clickElement(ctx context.Context, el *rod.Element, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := el.Context(cctx).Click(proto.InputMouseButtonLeft, 1)
	if err == nil {
		return nil
	}
	if _, jsErr := el.Context(ctx).Eval(`() => this.click()`); jsErr != nil {
		return errors.Join(fmt.Errorf("click: %w", err), fmt.Errorf("js click: %w", jsErr))
	}
	return nil
}

func hasCookie(cookies []types.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}
