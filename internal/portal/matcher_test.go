package portal

import (
	"testing"

	"github.com/IshaanNene/portalsession/internal/config"
)

func TestSignatureMatcher(t *testing.T) {
	m := NewSignatureMatcher([]string{"sh_gmidas", "shbrefresh + vservice", " + "})

	tests := []struct {
		name  string
		attrs LinkAttributes
		want  bool
	}{
		{"single token in href", LinkAttributes{Href: "https://x.example/SH_GMIDAS/go"}, true},
		{"single token in img alt", LinkAttributes{Alt: "sh_gmidas banner"}, true},
		{"both tokens split across attrs", LinkAttributes{Href: "https://shbrefresh.example/", Title: "VService"}, true},
		{"one of two tokens", LinkAttributes{Href: "https://shbrefresh.example/"}, false},
		{"token in data attribute", LinkAttributes{Data: []string{"/go?c=sh_gmidas"}}, true},
		{"token in onclick", LinkAttributes{OnClick: "openSso('sh_gmidas')"}, true},
		{"nothing", LinkAttributes{Text: "Notice board"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Match(tt.attrs); got != tt.want {
				t.Errorf("Match(%+v) = %v, want %v", tt.attrs, got, tt.want)
			}
		})
	}
}

func TestSignatureMatcherEmpty(t *testing.T) {
	m := NewSignatureMatcher(nil)
	if m.Match(LinkAttributes{Href: "https://anything"}) {
		t.Error("matcher without signatures should match nothing")
	}
}

func TestMatcherFunc(t *testing.T) {
	var m LinkMatcher = MatcherFunc(func(a LinkAttributes) bool { return a.Title == "go" })
	if !m.Match(LinkAttributes{Title: "go"}) || m.Match(LinkAttributes{}) {
		t.Error("MatcherFunc did not delegate")
	}
}

func TestURLClassifier(t *testing.T) {
	cfg := config.DefaultConfig().Portal
	c := NewURLClassifier(cfg)

	partner := []string{
		"https://shbrefresh.interparkb2b.co.kr/intro",
		"https://shbrefresh.interparkb2b.co.kr/index",
		"https://www.interparkb2b.co.kr/booking?id=1",
	}
	for _, u := range partner {
		if !c.IsPartner(u) {
			t.Errorf("IsPartner(%q) = false, want true", u)
		}
	}

	notPartner := []string{
		"",
		"https://lulu-lala.zzzmobile.co.kr/main.html",
		"https://shbrefresh.interparkb2b.co.kr/error?code=500",
		"https://shbrefresh.interparkb2b.co.kr/login?next=/index",
	}
	for _, u := range notPartner {
		if c.IsPartner(u) {
			t.Errorf("IsPartner(%q) = true, want false", u)
		}
	}

	if !c.IsLoginDomain("https://LULU-LALA.zzzmobile.co.kr/login.html?e=1") {
		t.Error("IsLoginDomain should match the login host case-insensitively")
	}
	if c.IsLoginDomain("https://shbrefresh.interparkb2b.co.kr/intro") {
		t.Error("partner host reported as login domain")
	}
}

func TestURLClassifierIntroHostIsPartner(t *testing.T) {
	cfg := config.DefaultConfig().Portal
	cfg.PartnerHosts = nil
	cfg.IntroURL = "https://sso.partner.test/intro"
	c := NewURLClassifier(cfg)

	if !c.IsPartner("https://sso.partner.test/index") {
		t.Error("intro host should count as a partner host")
	}
}
