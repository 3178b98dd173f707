package portal

import (
	"net/url"
	"strings"

	"github.com/IshaanNene/portalsession/internal/config"
)

// URLClassifier tells partner pages apart from login and error pages.
type URLClassifier struct {
	partnerTokens []string
	errorMarkers  []string
	loginHost     string
}

// NewURLClassifier derives its tokens from the portal config. The intro host
// is always treated as a partner token.
func NewURLClassifier(cfg config.PortalConfig) *URLClassifier {
	c := &URLClassifier{}
	for _, h := range cfg.PartnerHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.partnerTokens = append(c.partnerTokens, h)
		}
	}
	if host := hostOf(cfg.IntroURL); host != "" {
		c.partnerTokens = append(c.partnerTokens, host)
	}
	for _, m := range cfg.ErrorMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			c.errorMarkers = append(c.errorMarkers, m)
		}
	}
	c.loginHost = hostOf(cfg.LoginURL)
	return c
}

// IsPartner reports whether rawURL is a usable partner page: on a partner
// host and free of error or login markers.
func (c *URLClassifier) IsPartner(rawURL string) bool {
	u := strings.ToLower(rawURL)
	if u == "" || !containsAny(u, c.partnerTokens) {
		return false
	}
	return !containsAny(u, c.errorMarkers)
}

// IsLoginDomain reports whether rawURL is served by the login portal host.
func (c *URLClassifier) IsLoginDomain(rawURL string) bool {
	return c.loginHost != "" && hostOf(rawURL) == c.loginHost
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
