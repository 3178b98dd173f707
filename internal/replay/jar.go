package replay

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/IshaanNene/portalsession/internal/types"
)

// Jars holds one cookie jar per user, seeded from the user's session and
// rebuilt when the session's cookies change.
type Jars struct {
	mu   sync.RWMutex
	jars map[string]*userJar
}

type userJar struct {
	jar     *cookiejar.Jar
	cookies []types.Cookie
}

// NewJars creates an empty jar set.
func NewJars() *Jars {
	return &Jars{jars: make(map[string]*userJar)}
}

// For returns the jar for rec.UserID, reseeding it when rec carries a
// different jar than the one last seen.
func (j *Jars) For(rec *types.SessionRecord) (*cookiejar.Jar, error) {
	j.mu.RLock()
	uj, ok := j.jars[rec.UserID]
	j.mu.RUnlock()
	if ok && types.SameCookies(uj.cookies, rec.Cookies) {
		return uj.jar, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// Double-check
	if uj, ok := j.jars[rec.UserID]; ok && types.SameCookies(uj.cookies, rec.Cookies) {
		return uj.jar, nil
	}

	jar, err := seedJar(rec.Cookies)
	if err != nil {
		return nil, err
	}
	j.jars[rec.UserID] = &userJar{jar: jar, cookies: rec.Snapshot().Cookies}
	return jar, nil
}

// Drop forgets a user's jar.
func (j *Jars) Drop(userID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.jars, userID)
}

// Len returns the number of users with a jar.
func (j *Jars) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.jars)
}

// seedJar loads browser cookies into a public-suffix aware jar. A leading dot
// marks a domain cookie; anything else is host-only.
func seedJar(cookies []types.Cookie) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	byHost := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		hc := &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"}
		if strings.HasPrefix(c.Domain, ".") {
			hc.Domain = host
		}
		byHost[host] = append(byHost[host], hc)
	}
	for host, hcs := range byHost {
		jar.SetCookies(&url.URL{Scheme: "http", Host: host, Path: "/"}, hcs)
	}
	return jar, nil
}
