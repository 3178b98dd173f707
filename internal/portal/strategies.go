package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/IshaanNene/portalsession/internal/config"
)

// Strategy names accepted in portal.sso.strategies.
const (
	StrategyActiveLink = "active_link"
	StrategyDirectURL  = "direct_url"
	StrategyIconClick  = "icon_click"
)

var (
	errNoCandidate  = errors.New("no matching link found")
	errNotPartner   = errors.New("landed outside the partner portal")
	errBounced      = errors.New("redirected back to the login portal")
	errClickTimeout = errors.New("no partner page appeared after click")
)

// Navigation is the state a strategy starts from: a logged-in page on the
// portal home.
type Navigation struct {
	UserID  string
	Browser Browser
	Page    *rod.Page
	// Home is the URL the page showed right after login. Strategies that
	// need the portal home restore it when an earlier strategy moved away.
	Home string
}

// Strategy reaches the partner index page. The returned page is either
// nav.Page or a page opened inside nav.Browser.
type Strategy interface {
	Name() string
	Reach(ctx context.Context, nav *Navigation) (*rod.Page, error)
}

// landing holds the shared tail of every strategy: confirm the partner host,
// enter the index page and confirm again.
type landing struct {
	cfg        config.PortalConfig
	timeouts   config.TimeoutConfig
	classifier *URLClassifier
}

func (l landing) enterIndex(ctx context.Context, page *rod.Page) error {
	if u := currentURL(ctx, page); !l.classifier.IsPartner(u) {
		return fmt.Errorf("%w: %s", errNotPartner, u)
	}
	if err := navigate(ctx, page, l.cfg.IndexURL, l.timeouts.Navigation); err != nil {
		return err
	}
	_ = settle(ctx, page, l.timeouts.Settle)

	u := currentURL(ctx, page)
	if l.classifier.IsLoginDomain(u) {
		return fmt.Errorf("%w: %s", errBounced, u)
	}
	if !l.classifier.IsPartner(u) {
		return fmt.Errorf("index: %w: %s", errNotPartner, u)
	}
	return nil
}

// ActiveLinkStrategy follows the SSO link inside the currently visible
// carousel slide in a fresh page.
type ActiveLinkStrategy struct {
	landing
	matcher LinkMatcher
	logger  *slog.Logger
}

func (s *ActiveLinkStrategy) Name() string { return StrategyActiveLink }

func (s *ActiveLinkStrategy) Reach(ctx context.Context, nav *Navigation) (*rod.Page, error) {
	var candidates []LinkCandidate
	for _, doc := range frameDocuments(ctx, nav.Page) {
		base := doc.url
		if base == "" {
			base = nav.Home
		}
		found, err := FindActiveLinks(doc.html, base, s.cfg.SSO.ActiveRegionSelectors, s.matcher)
		if err != nil {
			s.logger.Debug("frame scan failed", "frame", doc.url, "error", err)
			continue
		}
		candidates = append(candidates, found...)
	}
	if len(candidates) == 0 {
		return nil, errNoCandidate
	}

	var errs []error
	for _, c := range candidates {
		s.logger.Debug("following active link", "user_id", nav.UserID, "target", c.Target)
		page, err := s.follow(ctx, nav.Browser, c.Target)
		if err == nil {
			return page, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Target, err))
	}
	return nil, errors.Join(errs...)
}

func (s *ActiveLinkStrategy) follow(ctx context.Context, b Browser, target string) (*rod.Page, error) {
	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := navigate(ctx, page, target, s.timeouts.Navigation); err != nil {
		_ = page.Close()
		return nil, err
	}
	_ = settle(ctx, page, s.timeouts.Settle)
	if err := s.enterIndex(ctx, page); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}

// DirectURLStrategy loads the partner intro URL in the logged-in page,
// relying on the portal session cookie for SSO.
type DirectURLStrategy struct {
	landing
	logger *slog.Logger
}

func (s *DirectURLStrategy) Name() string { return StrategyDirectURL }

func (s *DirectURLStrategy) Reach(ctx context.Context, nav *Navigation) (*rod.Page, error) {
	if err := navigate(ctx, nav.Page, s.cfg.IntroURL, s.timeouts.Navigation); err != nil {
		return nil, err
	}
	_ = settle(ctx, nav.Page, s.timeouts.Settle)

	u := currentURL(ctx, nav.Page)
	if s.classifier.IsLoginDomain(u) {
		return nil, fmt.Errorf("%w: %s", errBounced, u)
	}
	if err := s.enterIndex(ctx, nav.Page); err != nil {
		return nil, err
	}
	return nav.Page, nil
}

// IconClickStrategy clicks the first matching element in any frame and waits
// for the partner portal to open, in the same page or a new one.
type IconClickStrategy struct {
	landing
	matcher LinkMatcher
	logger  *slog.Logger
}

func (s *IconClickStrategy) Name() string { return StrategyIconClick }

func (s *IconClickStrategy) Reach(ctx context.Context, nav *Navigation) (*rod.Page, error) {
	if err := s.returnHome(ctx, nav); err != nil {
		return nil, err
	}

	for _, doc := range frameDocuments(ctx, nav.Page) {
		targets, err := FindClickTargets(doc.html, s.matcher)
		if err != nil {
			s.logger.Debug("frame scan failed", "frame", doc.url, "error", err)
			continue
		}
		for _, t := range targets {
			el, err := doc.page.Context(ctx).Timeout(s.timeouts.Selector).ElementX(t.XPath)
			if err != nil {
				continue
			}
			s.logger.Debug("clicking icon", "user_id", nav.UserID, "frame", doc.url, "xpath", t.XPath)
			return s.clickAndWait(ctx, nav, el.CancelTimeout())
		}
	}
	return nil, errNoCandidate
}

// returnHome reloads the post-login page when an earlier strategy navigated
// it elsewhere.
func (s *IconClickStrategy) returnHome(ctx context.Context, nav *Navigation) error {
	if nav.Home == "" || sameURL(currentURL(ctx, nav.Page), nav.Home) {
		return nil
	}
	if err := navigate(ctx, nav.Page, nav.Home, s.timeouts.Navigation); err != nil {
		return fmt.Errorf("return to portal home: %w", err)
	}
	_ = settle(ctx, nav.Page, s.timeouts.Settle)
	return nil
}

func (s *IconClickStrategy) clickAndWait(ctx context.Context, nav *Navigation, el *rod.Element) (*rod.Page, error) {
	wctx, cancel := context.WithTimeout(ctx, s.timeouts.ClickWait)
	defer cancel()

	// Subscribe before clicking so a popup opened by the click is not missed.
	opened := nav.Browser.PageOpened(wctx)
	if err := clickElement(wctx, el, s.timeouts.Selector); err != nil {
		return nil, err
	}

	landed := s.awaitPartner(wctx, nav.Page, opened, s.timeouts.Poll)
	if landed == nil {
		return nil, errClickTimeout
	}
	_ = settle(ctx, landed, s.timeouts.Settle)
	if err := s.enterIndex(ctx, landed); err != nil {
		if landed != nav.Page {
			_ = landed.Close()
		}
		return nil, err
	}
	return landed, nil
}

// awaitPartner polls page and every page opened since the click until one of
// them shows a partner URL, or ctx ends.
func (s *IconClickStrategy) awaitPartner(ctx context.Context, page *rod.Page, opened <-chan *rod.Page, interval time.Duration) *rod.Page {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var popups []*rod.Page
	for {
		if s.classifier.IsPartner(currentURL(ctx, page)) {
			return page
		}
		for _, p := range popups {
			if s.classifier.IsPartner(currentURL(ctx, p)) {
				return p
			}
		}

		select {
		case p, ok := <-opened:
			if !ok {
				opened = nil
				continue
			}
			popups = append(popups, p)
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

// NewStrategies builds the strategy chain named by cfg.SSO.Strategies, in
// order.
func NewStrategies(cfg config.PortalConfig, timeouts config.TimeoutConfig, m LinkMatcher, logger *slog.Logger) ([]Strategy, error) {
	l := landing{cfg: cfg, timeouts: timeouts, classifier: NewURLClassifier(cfg)}

	out := make([]Strategy, 0, len(cfg.SSO.Strategies))
	for _, name := range cfg.SSO.Strategies {
		log := logger.With("component", "sso", "strategy", name)
		switch name {
		case StrategyActiveLink:
			out = append(out, &ActiveLinkStrategy{landing: l, matcher: m, logger: log})
		case StrategyDirectURL:
			out = append(out, &DirectURLStrategy{landing: l, logger: log})
		case StrategyIconClick:
			out = append(out, &IconClickStrategy{landing: l, matcher: m, logger: log})
		default:
			return nil, fmt.Errorf("unknown SSO strategy %q", name)
		}
	}
	return out, nil
}
