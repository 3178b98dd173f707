package portal

import (
	"net/url"
	"testing"
)

const portalHome = `<!DOCTYPE html>
<html><head><title>Home</title></head>
<body>
  <div class="swiper">
    <div class="swiper-slide">
      <a href="https://shbrefresh.interparkb2b.co.kr/intro?c=sh_gmidas&old=1">old banner</a>
    </div>
    <div class="swiper-slide swiper-slide-active">
      <a href="/sso/sh_gmidas?from=slide"><img src="/img/banner.png" alt="resort"></a>
      <a href="javascript:void(0)" onclick="window.open('https://shbrefresh.interparkb2b.co.kr/vservice/intro')">shbrefresh vservice</a>
      <a href="#" data-url="https://shbrefresh.interparkb2b.co.kr/intro?sh_gmidas=1">sh_gmidas</a>
      <a href="#">sh_gmidas but nowhere to go</a>
      <a href="/notice">notice</a>
    </div>
  </div>
  <ul class="menu">
    <li><a href="/mypage">My page</a></li>
    <li><button type="button" title="Vacation" onclick="goSso()">SH_GMIDAS</button></li>
    <li><span role="button">shbrefresh vservice</span></li>
  </ul>
  <img src="/icons/sh_gmidas.png">
</body></html>`

func TestFindActiveLinks(t *testing.T) {
	m := NewSignatureMatcher([]string{"sh_gmidas", "shbrefresh+vservice"})
	regions := []string{".slick-active", ".swiper-slide-active"}

	got, err := FindActiveLinks(portalHome, "https://lulu-lala.zzzmobile.co.kr/main.html", regions, m)
	if err != nil {
		t.Fatalf("FindActiveLinks error: %v", err)
	}

	want := []string{
		"https://lulu-lala.zzzmobile.co.kr/sso/sh_gmidas?from=slide",
		"https://shbrefresh.interparkb2b.co.kr/vservice/intro",
		"https://shbrefresh.interparkb2b.co.kr/intro?sh_gmidas=1",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates %+v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		if got[i].Target != w {
			t.Errorf("candidate[%d].Target = %q, want %q", i, got[i].Target, w)
		}
	}
}

func TestFindActiveLinksNoActiveRegion(t *testing.T) {
	m := NewSignatureMatcher([]string{"sh_gmidas"})
	got, err := FindActiveLinks(portalHome, "https://portal.test/", []string{".carousel-item.active"}, m)
	if err != nil {
		t.Fatalf("FindActiveLinks error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates outside the active region, got %+v", got)
	}
}

func TestFindActiveLinksDedupes(t *testing.T) {
	doc := `<div class="slide active">
		<a href="https://p.test/intro?sh_gmidas">a</a>
		<a href="https://p.test/intro?sh_gmidas">b</a>
	</div>`
	m := NewSignatureMatcher([]string{"sh_gmidas"})
	got, err := FindActiveLinks(doc, "", []string{".slide.active"}, m)
	if err != nil {
		t.Fatalf("FindActiveLinks error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d candidates, want 1", len(got))
	}
}

func TestLinkTarget(t *testing.T) {
	tests := []struct {
		name  string
		attrs LinkAttributes
		want  string
	}{
		{"relative href", LinkAttributes{Href: "go?x=1"}, "https://portal.test/a/go?x=1"},
		{"absolute href", LinkAttributes{Href: "https://p.test/x"}, "https://p.test/x"},
		{"javascript href with url", LinkAttributes{Href: "javascript:location.href='https://p.test/js'"}, "https://p.test/js"},
		{"onclick wins over hash", LinkAttributes{Href: "#", OnClick: `openWin("https://p.test/click")`}, "https://p.test/click"},
		{"data attribute", LinkAttributes{Href: "#", Data: []string{"x", "https://p.test/data"}}, "https://p.test/data"},
		{"nothing usable", LinkAttributes{Href: "#"}, ""},
	}
	base := mustParse(t, "https://portal.test/a/b.html")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linkTarget(tt.attrs, base); got != tt.want {
				t.Errorf("linkTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindClickTargets(t *testing.T) {
	m := NewSignatureMatcher([]string{"sh_gmidas", "shbrefresh+vservice"})
	got, err := FindClickTargets(portalHome, m)
	if err != nil {
		t.Fatalf("FindClickTargets error: %v", err)
	}

	wantXPaths := []string{
		"/html[1]/body[1]/div[1]/div[1]/a[1]",
		"/html[1]/body[1]/div[1]/div[2]/a[1]",
		"/html[1]/body[1]/div[1]/div[2]/a[2]",
		"/html[1]/body[1]/div[1]/div[2]/a[3]",
		"/html[1]/body[1]/div[1]/div[2]/a[4]",
		"/html[1]/body[1]/ul[1]/li[2]/button[1]",
		"/html[1]/body[1]/ul[1]/li[3]/span[1]",
		"/html[1]/body[1]/img[1]",
	}
	if len(got) != len(wantXPaths) {
		for _, g := range got {
			t.Logf("target %s %+v", g.XPath, g.Attrs)
		}
		t.Fatalf("got %d targets, want %d", len(got), len(wantXPaths))
	}
	for i, w := range wantXPaths {
		if got[i].XPath != w {
			t.Errorf("target[%d].XPath = %q, want %q", i, got[i].XPath, w)
		}
	}
}

func TestFindClickTargetsMatchesDataAttributes(t *testing.T) {
	page := `<html><body>
  <div class="icons">
    <button type="button" class="icon" data-target="/go?c=sh_gmidas"><i class="ic-resort"></i></button>
    <button type="button" class="icon" data-target="/go?c=other"><i class="ic-shop"></i></button>
  </div>
</body></html>`

	got, err := FindClickTargets(page, NewSignatureMatcher([]string{"sh_gmidas"}))
	if err != nil {
		t.Fatalf("FindClickTargets error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d targets, want 1", len(got))
	}
	if want := "/html[1]/body[1]/div[1]/button[1]"; got[0].XPath != want {
		t.Errorf("XPath = %q, want %q", got[0].XPath, want)
	}
	if len(got[0].Attrs.Data) != 1 || got[0].Attrs.Data[0] != "/go?c=sh_gmidas" {
		t.Errorf("Data = %v, want [/go?c=sh_gmidas]", got[0].Attrs.Data)
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
