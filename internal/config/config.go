package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for portalsession.
type Config struct {
	Portal      PortalConfig      `mapstructure:"portal"      yaml:"portal"`
	Browser     BrowserConfig     `mapstructure:"browser"     yaml:"browser"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts"    yaml:"timeouts"`
	Session     SessionConfig     `mapstructure:"session"     yaml:"session"`
	Warmer      WarmerConfig      `mapstructure:"warmer"      yaml:"warmer"`
	Store       StoreConfig       `mapstructure:"store"       yaml:"store"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	API         APIConfig         `mapstructure:"api"         yaml:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"     yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"     yaml:"metrics"`
}

// PortalConfig describes the external login portal and its SSO partner.
type PortalConfig struct {
	LoginURL            string    `mapstructure:"login_url"             yaml:"login_url"`
	IntroURL            string    `mapstructure:"intro_url"             yaml:"intro_url"`
	IndexURL            string    `mapstructure:"index_url"             yaml:"index_url"` // derived from intro_url when empty
	RSAPublicKey        string    `mapstructure:"rsa_public_key"        yaml:"rsa_public_key"`
	PreEncrypt          bool      `mapstructure:"pre_encrypt"           yaml:"pre_encrypt"`
	UsernameSelector    string    `mapstructure:"username_selector"     yaml:"username_selector"`
	PasswordSelector    string    `mapstructure:"password_selector"     yaml:"password_selector"`
	LoginHook           string    `mapstructure:"login_hook"            yaml:"login_hook"`
	LoginClickSelectors []string  `mapstructure:"login_click_selectors" yaml:"login_click_selectors"`
	SessionCookie       string    `mapstructure:"session_cookie"        yaml:"session_cookie"`
	LoginPath           string    `mapstructure:"login_path"            yaml:"login_path"`
	PartnerHosts        []string  `mapstructure:"partner_hosts"         yaml:"partner_hosts"`
	ErrorMarkers        []string  `mapstructure:"error_markers"         yaml:"error_markers"`
	SSO                 SSOConfig `mapstructure:"sso"                   yaml:"sso"`
}

// SSOConfig tunes the SSO link heuristics.
type SSOConfig struct {
	// Signatures are matched against a link's combined attributes.
	// "a+b" requires every token.
	Signatures            []string `mapstructure:"signatures"              yaml:"signatures"`
	ActiveRegionSelectors []string `mapstructure:"active_region_selectors" yaml:"active_region_selectors"`
	Strategies            []string `mapstructure:"strategies"              yaml:"strategies"`
}

// BrowserConfig controls the shared headless browser.
type BrowserConfig struct {
	Headless           bool     `mapstructure:"headless"             yaml:"headless"`
	NoSandbox          bool     `mapstructure:"no_sandbox"           yaml:"no_sandbox"`
	Bin                string   `mapstructure:"bin"                  yaml:"bin"`
	RemoteURL          string   `mapstructure:"remote_url"           yaml:"remote_url"`
	Proxy              string   `mapstructure:"proxy"                yaml:"proxy"`
	Stealth            bool     `mapstructure:"stealth"              yaml:"stealth"`
	ViewportWidth      int      `mapstructure:"viewport_width"       yaml:"viewport_width"`
	ViewportHeight     int      `mapstructure:"viewport_height"      yaml:"viewport_height"`
	UserAgent          string   `mapstructure:"user_agent"           yaml:"user_agent"`
	BlockResources     []string `mapstructure:"block_resources"      yaml:"block_resources"`
	MaxContextFailures int      `mapstructure:"max_context_failures" yaml:"max_context_failures"`
}

// TimeoutConfig bounds every network-facing wait.
type TimeoutConfig struct {
	Navigation  time.Duration `mapstructure:"navigation"   yaml:"navigation"`
	Selector    time.Duration `mapstructure:"selector"     yaml:"selector"`
	LoginSignal time.Duration `mapstructure:"login_signal" yaml:"login_signal"`
	Settle      time.Duration `mapstructure:"settle"       yaml:"settle"`
	Strategy    time.Duration `mapstructure:"strategy"     yaml:"strategy"`
	ClickWait   time.Duration `mapstructure:"click_wait"   yaml:"click_wait"`
	Poll        time.Duration `mapstructure:"poll"         yaml:"poll"`
	Creation    time.Duration `mapstructure:"creation"     yaml:"creation"`
}

// SessionConfig controls the cache.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// WarmerConfig controls background refresh.
type WarmerConfig struct {
	Enabled     bool          `mapstructure:"enabled"     yaml:"enabled"`
	Interval    time.Duration `mapstructure:"interval"    yaml:"interval"`
	Horizon     time.Duration `mapstructure:"horizon"     yaml:"horizon"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// StoreConfig selects the durable session backend.
type StoreConfig struct {
	Type       string `mapstructure:"type"       yaml:"type"` // memory, postgres, mongo, redis, buntdb
	DSN        string `mapstructure:"dsn"        yaml:"dsn"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
	Table      string `mapstructure:"table"      yaml:"table"`
	RedisAddr  string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPass  string `mapstructure:"redis_pass" yaml:"redis_pass"`
	RedisDB    int    `mapstructure:"redis_db"   yaml:"redis_db"`
	KeyPrefix  string `mapstructure:"key_prefix" yaml:"key_prefix"`
	Path       string `mapstructure:"path"       yaml:"path"`
	Debug      bool   `mapstructure:"debug"      yaml:"debug"`
}

// CredentialsConfig holds operator-supplied accounts for the CLI and dev
// deployments. Production wiring supplies a credentials.Source instead.
type CredentialsConfig struct {
	Accounts map[string]AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// AccountConfig is one portal login.
type AccountConfig struct {
	LoginID  string `mapstructure:"login_id" yaml:"login_id"`
	Password string `mapstructure:"password" yaml:"password"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
}

// APIConfig controls the admin HTTP surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr"    yaml:"addr"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			LoginURL:         "https://lulu-lala.zzzmobile.co.kr/login.html",
			IntroURL:         "https://shbrefresh.interparkb2b.co.kr/intro",
			UsernameSelector: "input#username",
			PasswordSelector: "input#password",
			LoginHook:        "login",
			LoginClickSelectors: []string{
				`a[href*="login("]`,
				"a.login",
				"button.login",
				"button[type='submit']",
				"input[type='submit']",
			},
			SessionCookie: "access_token",
			LoginPath:     "login",
			PartnerHosts:  []string{"shbrefresh", "interparkb2b"},
			ErrorMarkers:  []string{"error", "login"},
			SSO: SSOConfig{
				Signatures: []string{"sh_gmidas", "shbrefresh+vservice"},
				ActiveRegionSelectors: []string{
					".swiper-slide-active",
					".slick-active",
					".carousel-item.active",
					".slide.active",
				},
				Strategies: []string{"active_link", "direct_url", "icon_click"},
			},
		},
		Browser: BrowserConfig{
			Headless:           true,
			NoSandbox:          true,
			Stealth:            true,
			ViewportWidth:      1920,
			ViewportHeight:     1080,
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			BlockResources:     []string{"image", "stylesheet", "font", "media"},
			MaxContextFailures: 3,
		},
		Timeouts: TimeoutConfig{
			Navigation:  30 * time.Second,
			Selector:    5 * time.Second,
			LoginSignal: 12 * time.Second,
			Settle:      2 * time.Second,
			Strategy:    30 * time.Second,
			ClickWait:   15 * time.Second,
			Poll:        250 * time.Millisecond,
			Creation:    2 * time.Minute,
		},
		Session: SessionConfig{
			TTL: 6 * time.Hour,
		},
		Warmer: WarmerConfig{
			Enabled:     true,
			Interval:    1 * time.Hour,
			Horizon:     2 * time.Hour,
			Concurrency: 2,
		},
		Store: StoreConfig{
			Type:       "buntdb",
			Database:   "portalsession",
			Collection: "sessions",
			Table:      "portal_sessions",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "portalsession:",
			Path:       "./portalsession.db",
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
