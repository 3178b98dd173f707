package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/IshaanNene/portalsession/internal/cipher"
)

// Validate checks the configuration for invalid values. Missing portal URLs or
// key material are configuration errors and must stop startup.
func Validate(cfg *Config) error {
	if err := ValidateURL(cfg.Portal.LoginURL); err != nil {
		return fmt.Errorf("portal.login_url: %w", err)
	}
	if err := ValidateURL(cfg.Portal.IntroURL); err != nil {
		return fmt.Errorf("portal.intro_url: %w", err)
	}
	if err := ValidateURL(cfg.Portal.IndexURL); err != nil {
		return fmt.Errorf("portal.index_url: %w", err)
	}
	if strings.TrimSpace(cfg.Portal.RSAPublicKey) == "" {
		return fmt.Errorf("portal.rsa_public_key is required")
	}
	if _, err := cipher.ParsePublicKey(cfg.Portal.RSAPublicKey); err != nil {
		return fmt.Errorf("portal.rsa_public_key: %w", err)
	}
	if cfg.Portal.UsernameSelector == "" || cfg.Portal.PasswordSelector == "" {
		return fmt.Errorf("portal.username_selector and portal.password_selector are required")
	}
	if cfg.Portal.SessionCookie == "" {
		return fmt.Errorf("portal.session_cookie is required")
	}
	if len(cfg.Portal.SSO.Signatures) == 0 {
		return fmt.Errorf("portal.sso.signatures must not be empty")
	}
	validStrategies := map[string]bool{"active_link": true, "direct_url": true, "icon_click": true}
	if len(cfg.Portal.SSO.Strategies) == 0 {
		return fmt.Errorf("portal.sso.strategies must not be empty")
	}
	for _, s := range cfg.Portal.SSO.Strategies {
		if !validStrategies[s] {
			return fmt.Errorf("portal.sso.strategies: unknown strategy %q (valid: active_link, direct_url, icon_click)", s)
		}
	}

	if cfg.Browser.ViewportWidth < 1 || cfg.Browser.ViewportHeight < 1 {
		return fmt.Errorf("browser viewport must be positive, got %dx%d", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
	}
	if cfg.Browser.MaxContextFailures < 1 {
		return fmt.Errorf("browser.max_context_failures must be >= 1, got %d", cfg.Browser.MaxContextFailures)
	}
	validResources := map[string]bool{"image": true, "stylesheet": true, "font": true, "media": true}
	for _, r := range cfg.Browser.BlockResources {
		if !validResources[r] {
			return fmt.Errorf("browser.block_resources: unsupported type %q", r)
		}
	}

	timeouts := map[string]int64{
		"navigation":   int64(cfg.Timeouts.Navigation),
		"selector":     int64(cfg.Timeouts.Selector),
		"login_signal": int64(cfg.Timeouts.LoginSignal),
		"settle":       int64(cfg.Timeouts.Settle),
		"strategy":     int64(cfg.Timeouts.Strategy),
		"click_wait":   int64(cfg.Timeouts.ClickWait),
		"poll":         int64(cfg.Timeouts.Poll),
		"creation":     int64(cfg.Timeouts.Creation),
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be > 0", name)
		}
	}

	if cfg.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be > 0")
	}
	if cfg.Warmer.Enabled {
		if cfg.Warmer.Interval <= 0 {
			return fmt.Errorf("warmer.interval must be > 0")
		}
		if cfg.Warmer.Horizon <= 0 || cfg.Warmer.Horizon >= cfg.Session.TTL {
			return fmt.Errorf("warmer.horizon must be in (0, session.ttl), got %s", cfg.Warmer.Horizon)
		}
		if cfg.Warmer.Concurrency < 1 {
			return fmt.Errorf("warmer.concurrency must be >= 1, got %d", cfg.Warmer.Concurrency)
		}
	}

	switch cfg.Store.Type {
	case "memory":
	case "buntdb":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for buntdb")
		}
	case "postgres", "mongo":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", cfg.Store.Type)
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("store.type %q is not supported (valid: memory, buntdb, postgres, mongo, redis)", cfg.Store.Type)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks that rawURL is an absolute http(s) URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
