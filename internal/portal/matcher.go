package portal

import (
	"strings"
)

// LinkAttributes is what the SSO heuristics can see of a clickable element.
type LinkAttributes struct {
	Text    string
	Href    string
	Title   string
	Alt     string
	Src     string
	OnClick string
	Data    []string
}

// Combined lowercases and joins every attribute for signature matching.
func (a LinkAttributes) Combined() string {
	parts := []string{a.Text, a.Href, a.Title, a.Alt, a.Src, a.OnClick}
	parts = append(parts, a.Data...)
	return strings.ToLower(strings.Join(parts, " "))
}

// LinkMatcher decides whether an element leads to the partner site.
type LinkMatcher interface {
	Match(LinkAttributes) bool
}

// MatcherFunc adapts a function to LinkMatcher.
type MatcherFunc func(LinkAttributes) bool

// Match calls f.
func (f MatcherFunc) Match(a LinkAttributes) bool { return f(a) }

// SignatureMatcher matches when any signature is satisfied. A signature
// written "a+b" needs every token present.
type SignatureMatcher struct {
	signatures [][]string
}

// NewSignatureMatcher compiles signature strings. Empty tokens are dropped.
func NewSignatureMatcher(signatures []string) *SignatureMatcher {
	m := &SignatureMatcher{}
	for _, sig := range signatures {
		var tokens []string
		for _, tok := range strings.Split(sig, "+") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				tokens = append(tokens, tok)
			}
		}
		if len(tokens) > 0 {
			m.signatures = append(m.signatures, tokens)
		}
	}
	return m
}

// Match implements LinkMatcher.
func (m *SignatureMatcher) Match(a LinkAttributes) bool {
	combined := a.Combined()
	for _, tokens := range m.signatures {
		if containsAll(combined, tokens) {
			return true
		}
	}
	return false
}

func containsAll(s string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}
