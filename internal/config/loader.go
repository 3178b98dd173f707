package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("PORTALSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("portalsession")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".portalsession"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	Normalize(cfg)
	return cfg, nil
}

// Normalize fills derived values after loading.
func Normalize(cfg *Config) {
	// Environment and .env files carry PEM keys with escaped newlines.
	cfg.Portal.RSAPublicKey = strings.ReplaceAll(cfg.Portal.RSAPublicKey, `\n`, "\n")

	if cfg.Portal.IndexURL == "" && cfg.Portal.IntroURL != "" {
		if u, err := url.Parse(cfg.Portal.IntroURL); err == nil && u.Host != "" {
			cfg.Portal.IndexURL = u.Scheme + "://" + u.Host + "/index"
		}
	}

	cfg.Store.Type = strings.ToLower(cfg.Store.Type)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
}

// setDefaults registers default values in viper so env overrides resolve
// for keys absent from the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("portal.login_url", cfg.Portal.LoginURL)
	v.SetDefault("portal.intro_url", cfg.Portal.IntroURL)
	v.SetDefault("portal.index_url", cfg.Portal.IndexURL)
	v.SetDefault("portal.rsa_public_key", cfg.Portal.RSAPublicKey)
	v.SetDefault("portal.pre_encrypt", cfg.Portal.PreEncrypt)
	v.SetDefault("portal.username_selector", cfg.Portal.UsernameSelector)
	v.SetDefault("portal.password_selector", cfg.Portal.PasswordSelector)
	v.SetDefault("portal.login_hook", cfg.Portal.LoginHook)
	v.SetDefault("portal.login_click_selectors", cfg.Portal.LoginClickSelectors)
	v.SetDefault("portal.session_cookie", cfg.Portal.SessionCookie)
	v.SetDefault("portal.login_path", cfg.Portal.LoginPath)
	v.SetDefault("portal.partner_hosts", cfg.Portal.PartnerHosts)
	v.SetDefault("portal.error_markers", cfg.Portal.ErrorMarkers)
	v.SetDefault("portal.sso.signatures", cfg.Portal.SSO.Signatures)
	v.SetDefault("portal.sso.active_region_selectors", cfg.Portal.SSO.ActiveRegionSelectors)
	v.SetDefault("portal.sso.strategies", cfg.Portal.SSO.Strategies)

	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.no_sandbox", cfg.Browser.NoSandbox)
	v.SetDefault("browser.bin", cfg.Browser.Bin)
	v.SetDefault("browser.remote_url", cfg.Browser.RemoteURL)
	v.SetDefault("browser.proxy", cfg.Browser.Proxy)
	v.SetDefault("browser.stealth", cfg.Browser.Stealth)
	v.SetDefault("browser.viewport_width", cfg.Browser.ViewportWidth)
	v.SetDefault("browser.viewport_height", cfg.Browser.ViewportHeight)
	v.SetDefault("browser.user_agent", cfg.Browser.UserAgent)
	v.SetDefault("browser.block_resources", cfg.Browser.BlockResources)
	v.SetDefault("browser.max_context_failures", cfg.Browser.MaxContextFailures)

	v.SetDefault("timeouts.navigation", cfg.Timeouts.Navigation)
	v.SetDefault("timeouts.selector", cfg.Timeouts.Selector)
	v.SetDefault("timeouts.login_signal", cfg.Timeouts.LoginSignal)
	v.SetDefault("timeouts.settle", cfg.Timeouts.Settle)
	v.SetDefault("timeouts.strategy", cfg.Timeouts.Strategy)
	v.SetDefault("timeouts.click_wait", cfg.Timeouts.ClickWait)
	v.SetDefault("timeouts.poll", cfg.Timeouts.Poll)
	v.SetDefault("timeouts.creation", cfg.Timeouts.Creation)

	v.SetDefault("session.ttl", cfg.Session.TTL)

	v.SetDefault("warmer.enabled", cfg.Warmer.Enabled)
	v.SetDefault("warmer.interval", cfg.Warmer.Interval)
	v.SetDefault("warmer.horizon", cfg.Warmer.Horizon)
	v.SetDefault("warmer.concurrency", cfg.Warmer.Concurrency)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("store.database", cfg.Store.Database)
	v.SetDefault("store.collection", cfg.Store.Collection)
	v.SetDefault("store.table", cfg.Store.Table)
	v.SetDefault("store.redis_addr", cfg.Store.RedisAddr)
	v.SetDefault("store.redis_pass", cfg.Store.RedisPass)
	v.SetDefault("store.redis_db", cfg.Store.RedisDB)
	v.SetDefault("store.key_prefix", cfg.Store.KeyPrefix)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.debug", cfg.Store.Debug)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.addr", cfg.API.Addr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
