package types

import (
	"context"
	"sort"
	"time"
)

// Cookie is one entry of a captured cookie jar.
type Cookie struct {
	Name   string `json:"name"   bson:"name"`
	Value  string `json:"value"  bson:"value"`
	Domain string `json:"domain" bson:"domain"`
}

// LiveContext is a still-open browser execution context backing a session.
type LiveContext interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// SessionRecord is the unit managed by the session cache.
type SessionRecord struct {
	UserID    string    `json:"user_id"`
	Cookies   []Cookie  `json:"cookies"`
	ExpiresAt time.Time `json:"expires_at"`

	// Live is never persisted.
	Live LiveContext `json:"-"`
}

// NewSessionRecord stamps a record with created+ttl.
func NewSessionRecord(userID string, cookies []Cookie, created time.Time, ttl time.Duration) *SessionRecord {
	return &SessionRecord{
		UserID:    userID,
		Cookies:   cookies,
		ExpiresAt: created.Add(ttl),
	}
}

// Valid reports whether the record may be served at now.
func (r *SessionRecord) Valid(now time.Time) bool {
	return r != nil && len(r.Cookies) > 0 && now.Before(r.ExpiresAt)
}

// ExpiresWithin reports whether the record expires inside (now, now+horizon].
func (r *SessionRecord) ExpiresWithin(now time.Time, horizon time.Duration) bool {
	return r.ExpiresAt.After(now) && !r.ExpiresAt.After(now.Add(horizon))
}

// Snapshot returns a copy without the live context, safe to hand to callers
// or to persist.
func (r *SessionRecord) Snapshot() *SessionRecord {
	cookies := make([]Cookie, len(r.Cookies))
	copy(cookies, r.Cookies)
	return &SessionRecord{
		UserID:    r.UserID,
		Cookies:   cookies,
		ExpiresAt: r.ExpiresAt,
	}
}

// Domains lists the distinct cookie domains, sorted.
func (r *SessionRecord) Domains() []string {
	seen := make(map[string]bool, len(r.Cookies))
	var out []string
	for _, c := range r.Cookies {
		if !seen[c.Domain] {
			seen[c.Domain] = true
			out = append(out, c.Domain)
		}
	}
	sort.Strings(out)
	return out
}

// Cookie returns the first cookie with the given name.
func (r *SessionRecord) Cookie(name string) (Cookie, bool) {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

// SameCookies reports whether two jars hold the same triples, ignoring order.
func SameCookies(a, b []Cookie) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[Cookie]int, len(a))
	for _, c := range a {
		counts[c]++
	}
	for _, c := range b {
		counts[c]--
		if counts[c] < 0 {
			return false
		}
	}
	return true
}
