package portal

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// clickableXPath selects every element the icon strategy considers.
const clickableXPath = "//a | //button | //*[@role='button'] | //*[@onclick] | //img"

var urlInScript = regexp.MustCompile(`https?://[^'"\s)]+`)

// LinkCandidate is an SSO link found inside the active carousel region.
type LinkCandidate struct {
	Attrs  LinkAttributes
	Target string
}

// FindActiveLinks scans the active region of a rendered document for anchors
// accepted by m and returns their absolute targets. Links without a usable
// target are skipped.
func FindActiveLinks(document, baseURL string, regions []string, m LinkMatcher) ([]LinkCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	base, _ := url.Parse(baseURL)

	var out []LinkCandidate
	seen := make(map[string]bool)
	for _, region := range regions {
		doc.Find(region).Find("a").Each(func(_ int, s *goquery.Selection) {
			attrs := selectionAttributes(s)
			if !m.Match(attrs) {
				return
			}
			target := linkTarget(attrs, base)
			if target == "" || seen[target] {
				return
			}
			seen[target] = true
			out = append(out, LinkCandidate{Attrs: attrs, Target: target})
		})
	}
	return out, nil
}

func selectionAttributes(s *goquery.Selection) LinkAttributes {
	attrs := LinkAttributes{Text: strings.TrimSpace(s.Text())}
	attrs.Href, _ = s.Attr("href")
	attrs.Title, _ = s.Attr("title")
	attrs.OnClick, _ = s.Attr("onclick")
	if img := s.Find("img").First(); img.Length() > 0 {
		attrs.Alt, _ = img.Attr("alt")
		attrs.Src, _ = img.Attr("src")
	}
	for _, n := range s.Nodes {
		attrs.Data = append(attrs.Data, dataAttributes(n)...)
	}
	return attrs
}

// dataAttributes returns the values of n's data-* attributes.
func dataAttributes(n *html.Node) []string {
	var vals []string
	for _, a := range n.Attr {
		if strings.HasPrefix(a.Key, "data-") {
			vals = append(vals, a.Val)
		}
	}
	return vals
}

// linkTarget resolves where a link goes: its href, else a URL embedded in the
// onclick handler or a javascript: href, else a URL-looking data attribute.
func linkTarget(a LinkAttributes, base *url.URL) string {
	href := strings.TrimSpace(a.Href)
	lower := strings.ToLower(href)
	if href != "" && href != "#" && !strings.HasPrefix(lower, "javascript:") {
		return resolve(base, href)
	}
	if u := urlInScript.FindString(a.OnClick); u != "" {
		return u
	}
	if u := urlInScript.FindString(href); u != "" {
		return u
	}
	for _, d := range a.Data {
		if u := urlInScript.FindString(d); u != "" {
			return u
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		if !u.IsAbs() {
			return ""
		}
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// ClickTarget is a matching clickable element with a positional XPath that
// locates it again in the live DOM.
type ClickTarget struct {
	Attrs LinkAttributes
	XPath string
}

// FindClickTargets scans a rendered document for clickable elements whose
// combined attributes satisfy m, in document order.
func FindClickTargets(document string, m LinkMatcher) ([]ClickTarget, error) {
	doc, err := htmlquery.Parse(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	nodes, err := htmlquery.QueryAll(doc, clickableXPath)
	if err != nil {
		return nil, fmt.Errorf("query clickables: %w", err)
	}

	var out []ClickTarget
	seen := make(map[*html.Node]bool)
	for _, n := range nodes {
		if seen[n] {
			continue
		}
		seen[n] = true

		attrs := LinkAttributes{
			Text:    strings.TrimSpace(htmlquery.InnerText(n)),
			Href:    htmlquery.SelectAttr(n, "href"),
			Title:   htmlquery.SelectAttr(n, "title"),
			Alt:     htmlquery.SelectAttr(n, "alt"),
			Src:     htmlquery.SelectAttr(n, "src"),
			OnClick: htmlquery.SelectAttr(n, "onclick"),
			Data:    dataAttributes(n),
		}
		if !m.Match(attrs) {
			continue
		}
		out = append(out, ClickTarget{Attrs: attrs, XPath: nodeXPath(n)})
	}
	return out, nil
}

// nodeXPath builds an absolute positional path such as
// /html[1]/body[1]/div[2]/a[1].
func nodeXPath(n *html.Node) string {
	var steps []string
	for ; n != nil && n.Type == html.ElementNode; n = n.Parent {
		idx := 1
		for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && sib.Data == n.Data {
				idx++
			}
		}
		steps = append(steps, fmt.Sprintf("%s[%d]", n.Data, idx))
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return "/" + strings.Join(steps, "/")
}
