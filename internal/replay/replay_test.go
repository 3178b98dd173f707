package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSessions struct {
	mu          sync.Mutex
	rec         *types.SessionRecord
	invalidated []string
}

func (f *fakeSessions) Get(_ context.Context, userID string) (*types.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || f.rec.UserID != userID {
		return nil, types.ErrSessionNotFound
	}
	return f.rec.Snapshot(), nil
}

func (f *fakeSessions) Invalidate(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
	f.rec = nil
	return nil
}

// newPartner serves /data only to requests carrying JSESSIONID=good and
// bounces everything else to the portal login page.
func newPartner(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html><body>login</body></html>")
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("JSESSIONID")
		if err != nil || c.Value != "good" {
			http.Redirect(w, r, "/login.html?returnUrl=/data", http.StatusFound)
			return
		}
		payload := []byte("partner data")
		switch r.URL.Query().Get("enc") {
		case "br":
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(payload)
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write(buf.Bytes())
		case "gzip":
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			_, _ = gw.Write(payload)
			_ = gw.Close()
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(buf.Bytes())
		default:
			_, _ = w.Write(payload)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, value string) (*Client, *fakeSessions, *observability.Metrics) {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	sessions := &fakeSessions{rec: types.NewSessionRecord("u1", []types.Cookie{
		{Name: "JSESSIONID", Value: value, Domain: u.Hostname()},
	}, time.Now(), time.Hour)}

	cfg := config.DefaultConfig()
	cfg.Portal.LoginURL = srv.URL + "/login.html"
	cfg.Timeouts.Navigation = 5 * time.Second

	metrics := observability.NewMetrics(testLogger)
	c := NewClient(sessions, cfg, testLogger, metrics)
	t.Cleanup(func() { _ = c.Close() })
	return c, sessions, metrics
}

func TestReplayCarriesSessionCookies(t *testing.T) {
	srv := newPartner(t)

	for _, enc := range []string{"", "gzip", "br"} {
		t.Run("enc="+enc, func(t *testing.T) {
			c, _, metrics := newTestClient(t, srv, "good")

			resp, err := c.Get(context.Background(), "u1", srv.URL+"/data?enc="+enc)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if string(resp.Body) != "partner data" {
				t.Errorf("body = %q", resp.Body)
			}
			if got := metrics.ReplayRequests.Load(); got != 1 {
				t.Errorf("replay requests = %d, want 1", got)
			}
		})
	}
}

func TestReplayRejectedSessionInvalidates(t *testing.T) {
	srv := newPartner(t)
	c, sessions, metrics := newTestClient(t, srv, "stale")

	_, err := c.Get(context.Background(), "u1", srv.URL+"/data")
	if !errors.Is(err, types.ErrSessionRejected) {
		t.Fatalf("err = %v, want ErrSessionRejected", err)
	}
	if len(sessions.invalidated) != 1 || sessions.invalidated[0] != "u1" {
		t.Errorf("invalidated = %v", sessions.invalidated)
	}
	if got := metrics.ReplayRejected.Load(); got != 1 {
		t.Errorf("replay rejected = %d, want 1", got)
	}
	if c.jars.Len() != 0 {
		t.Errorf("jar kept after rejection")
	}
}

func TestReplayWithoutSession(t *testing.T) {
	srv := newPartner(t)
	c, _, _ := newTestClient(t, srv, "good")

	_, err := c.Get(context.Background(), "nobody", srv.URL+"/data")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSeedJar(t *testing.T) {
	jar, err := seedJar([]types.Cookie{
		{Name: "wide", Value: "1", Domain: ".example.com"},
		{Name: "host", Value: "2", Domain: "www.example.com"},
		{Name: "nodomain", Value: "3"},
	})
	if err != nil {
		t.Fatalf("seedJar: %v", err)
	}

	names := func(raw string) map[string]bool {
		u, _ := url.Parse(raw)
		out := make(map[string]bool)
		for _, c := range jar.Cookies(u) {
			out[c.Name] = true
		}
		return out
	}

	sub := names("https://api.example.com/x")
	if !sub["wide"] || sub["host"] {
		t.Errorf("api.example.com cookies = %v", sub)
	}
	www := names("https://www.example.com/")
	if !www["wide"] || !www["host"] {
		t.Errorf("www.example.com cookies = %v", www)
	}
	if len(names("https://other.org/")) != 0 {
		t.Error("cookies leaked to other.org")
	}
}

func TestJarsReseedOnChange(t *testing.T) {
	j := NewJars()
	rec := types.NewSessionRecord("u1", []types.Cookie{{Name: "a", Value: "1", Domain: "example.com"}}, time.Now(), time.Hour)

	first, err := j.For(rec)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := j.For(rec)
	if first != again {
		t.Error("jar rebuilt for unchanged cookies")
	}

	rec.Cookies = []types.Cookie{{Name: "a", Value: "2", Domain: "example.com"}}
	changed, _ := j.For(rec)
	if changed == first {
		t.Error("jar not rebuilt after cookies changed")
	}

	j.Drop("u1")
	if j.Len() != 0 {
		t.Errorf("Len = %d after Drop", j.Len())
	}
}
