package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"

	"github.com/IshaanNene/portalsession/internal/cipher"
	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/types"
)

const (
	stepLoad   = "load_login_page"
	stepFill   = "fill_credentials"
	stepHook   = "submit_native_hook"
	stepClick  = "fallback_click"
	stepSubmit = "fallback_submit"
	stepJSFill = "js_fill_submit"
	stepAwait  = "await_success_signal"
	stepSettle = "settle"
)

const hookJS = `(hook, u, p) => {
	const fn = window[hook];
	if (typeof fn !== 'function') return false;
	try {
		const r = fn(u, p);
		if (r && typeof r.catch === 'function') r.catch(() => {});
		return true;
	} catch (e) {
		return false;
	}
}`

const formSubmitJS = `() => {
	const f = document.querySelector('form');
	if (!f) return false;
	f.requestSubmit ? f.requestSubmit() : f.submit();
	return true;
}`

const fillSubmitJS = `(userSel, passSel, hook, u, p, secret) => {
	const a = document.querySelector(userSel);
	const b = document.querySelector(passSel);
	if (!a || !b) return 'missing';
	for (const [el, v] of [[a, u], [b, p]]) {
		el.value = v;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
	}
	if (typeof window[hook] === 'function') {
		try {
			const r = window[hook](u, secret);
			if (r && typeof r.catch === 'function') r.catch(() => {});
			return 'hook';
		} catch (e) {}
	}
	const f = a.form || document.querySelector('form');
	if (f) {
		f.requestSubmit ? f.requestSubmit() : f.submit();
		return 'form';
	}
	return 'none';
}`

// LoginExecutor drives the portal login page:
//
//	LoadLoginPage -> FillCredentials -> SubmitViaNativeHook | FallbackClick |
//	FallbackSubmit -> AwaitSuccessSignal -> Success | Failure
type LoginExecutor struct {
	cfg      config.PortalConfig
	timeouts config.TimeoutConfig
	cipher   *cipher.Cipher
	logger   *slog.Logger
}

// NewLoginExecutor creates a login executor. c may be nil unless
// cfg.PreEncrypt is set.
func NewLoginExecutor(cfg config.PortalConfig, timeouts config.TimeoutConfig, c *cipher.Cipher, logger *slog.Logger) *LoginExecutor {
	return &LoginExecutor{
		cfg:      cfg,
		timeouts: timeouts,
		cipher:   c,
		logger:   logger.With("component", "login_executor"),
	}
}

// Secret returns the password as the portal's login hook expects it: RSA
// encrypted when portal.pre_encrypt is set, plain otherwise. A key or
// plaintext the cipher rejects is a *types.CredentialError.
func (l *LoginExecutor) Secret(userID string, creds types.Credentials) (string, error) {
	if !l.cfg.PreEncrypt {
		return creds.Password, nil
	}
	enc, err := l.cipher.Encrypt(creds.Password)
	if err != nil {
		var credErr *types.CredentialError
		if errors.As(err, &credErr) {
			err = credErr.Err
		}
		return "", &types.CredentialError{UserID: userID, Err: err}
	}
	return enc, nil
}

// Login reports whether the portal accepted creds. secret is the value from
// Secret. It never panics; every step failure is logged and either falls
// through to the next submission method or ends in false.
func (l *LoginExecutor) Login(ctx context.Context, b Browser, page *rod.Page, userID string, creds types.Credentials, secret string) (ok bool) {
	log := l.logger.With("user_id", userID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("login aborted", "panic", r)
			ok = false
		}
	}()

	if err := l.loadLoginPage(ctx, page); err != nil {
		log.Warn("login step failed", "step", stepLoad, "error", err)
		return false
	}

	p := page.Context(ctx)
	if err := l.fillCredentials(p, creds); err != nil {
		log.Warn("login step failed, retrying with script fill", "step", stepFill, "error", err)
		method, err := l.scriptFillAndSubmit(p, creds, secret)
		if err != nil || method == "missing" || method == "none" {
			log.Warn("login step failed", "step", stepJSFill, "method", method, "error", err)
			return false
		}
		log.Debug("credentials submitted", "step", stepJSFill, "method", method)
	} else if method := l.submit(p, creds.LoginID, secret, log); method == "" {
		// The page may already be navigating; the success signal decides.
		log.Warn("no submission method succeeded")
	} else {
		log.Debug("credentials submitted", "step", method)
	}

	if !l.awaitSuccess(ctx, b, page) {
		log.Warn("login step failed", "step", stepAwait, "timeout", l.timeouts.LoginSignal)
		return false
	}

	if err := settle(ctx, page, l.timeouts.Settle); err != nil {
		log.Warn("page did not settle after login", "step", stepSettle, "error", err)
	}
	log.Info("login succeeded")
	return true
}

func (l *LoginExecutor) loadLoginPage(ctx context.Context, page *rod.Page) error {
	if err := navigate(ctx, page, l.cfg.LoginURL, l.timeouts.Navigation); err != nil {
		return err
	}
	p := page.Context(ctx).Timeout(l.timeouts.Selector)
	defer p.CancelTimeout()
	for _, sel := range []string{l.cfg.UsernameSelector, l.cfg.PasswordSelector} {
		if _, err := p.Element(sel); err != nil {
			return fmt.Errorf("wait for %s: %w", sel, err)
		}
	}
	return nil
}

func (l *LoginExecutor) fillCredentials(p *rod.Page, creds types.Credentials) error {
	fields := []struct{ selector, value string }{
		{l.cfg.UsernameSelector, creds.LoginID},
		{l.cfg.PasswordSelector, creds.Password},
	}
	for _, f := range fields {
		el, err := p.Timeout(l.timeouts.Selector).Element(f.selector)
		if err != nil {
			return fmt.Errorf("element not found: %s: %w", f.selector, err)
		}
		if err := el.SelectAllText(); err != nil {
			return fmt.Errorf("select %s: %w", f.selector, err)
		}
		if err := el.Input(f.value); err != nil {
			return fmt.Errorf("input %s: %w", f.selector, err)
		}
	}
	return nil
}

// submit tries the native hook, then the click selectors, then the first
// form. It returns the step that fired, or "" when none did.
func (l *LoginExecutor) submit(p *rod.Page, loginID, secret string, log *slog.Logger) string {
	if l.cfg.LoginHook != "" {
		res, err := p.Eval(hookJS, l.cfg.LoginHook, loginID, secret)
		switch {
		case err != nil:
			log.Debug("native hook failed", "hook", l.cfg.LoginHook, "error", err)
		case res.Value.Bool():
			return stepHook
		}
	}

	for _, sel := range l.cfg.LoginClickSelectors {
		has, el, err := p.Has(sel)
		if err != nil || !has {
			continue
		}
		if err := clickElement(p.GetContext(), el, l.timeouts.Selector); err != nil {
			log.Debug("login click failed", "selector", sel, "error", err)
			continue
		}
		return stepClick
	}

	res, err := p.Eval(formSubmitJS)
	if err == nil && res.Value.Bool() {
		return stepSubmit
	}
	return ""
}

func (l *LoginExecutor) scriptFillAndSubmit(p *rod.Page, creds types.Credentials, secret string) (string, error) {
	res, err := p.Eval(fillSubmitJS,
		l.cfg.UsernameSelector, l.cfg.PasswordSelector, l.cfg.LoginHook,
		creds.LoginID, creds.Password, secret,
	)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// awaitSuccess polls for the session cookie or a URL that has left the login
// page, then re-checks cookies once more on timeout.
func (l *LoginExecutor) awaitSuccess(ctx context.Context, b Browser, page *rod.Page) bool {
	loginPath := strings.ToLower(l.cfg.LoginPath)

	signalled := poll(ctx, l.timeouts.Poll, l.timeouts.LoginSignal, func(ctx context.Context) bool {
		if cookies, err := b.Cookies(ctx); err == nil && hasCookie(cookies, l.cfg.SessionCookie) {
			return true
		}
		u := strings.ToLower(currentURL(ctx, page))
		return u != "" && loginPath != "" && !strings.Contains(u, loginPath)
	})
	if signalled {
		return true
	}

	// Slow redirects can set the cookie just after the window closes.
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeouts.Selector)
	defer cancel()
	cookies, err := b.Cookies(final)
	return err == nil && hasCookie(cookies, l.cfg.SessionCookie)
}
