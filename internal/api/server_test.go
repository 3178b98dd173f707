package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/session"
	"github.com/IshaanNene/portalsession/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSessions struct {
	records     map[string]*types.SessionRecord
	errs        map[string]error
	invalidated []string
}

func (f *fakeSessions) Get(_ context.Context, userID string) (*types.SessionRecord, error) {
	if err, ok := f.errs[userID]; ok {
		return nil, err
	}
	rec, ok := f.records[userID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return rec, nil
}

func (f *fakeSessions) Invalidate(_ context.Context, userID string) error {
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type fakeWarmer struct {
	report session.WarmReport
	err    error
}

func (f *fakeWarmer) WarmSessions(context.Context) (session.WarmReport, error) {
	return f.report, f.err
}

func newTestServer(sessions *fakeSessions, warmer Warmer) *Server {
	return NewServer(config.APIConfig{Addr: "127.0.0.1:0"}, sessions, warmer, observability.NewMetrics(testLogger), testLogger)
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeSessions{}, nil)
	rr := do(t, s, http.MethodGet, "/api/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestGetSessionHidesCookieValues(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	sessions := &fakeSessions{records: map[string]*types.SessionRecord{
		"u1": {
			UserID: "u1",
			Cookies: []types.Cookie{
				{Name: "access_token", Value: "secret-token", Domain: "lulu-lala.zzzmobile.co.kr"},
				{Name: "JSESSIONID", Value: "secret-session", Domain: "shbrefresh.interparkb2b.co.kr"},
			},
			ExpiresAt: expires,
		},
	}}
	s := newTestServer(sessions, nil)

	rr := do(t, s, http.MethodGet, "/api/sessions/u1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	raw := rr.Body.String()
	if strings.Contains(raw, "secret") {
		t.Fatalf("cookie value leaked: %s", raw)
	}

	var info SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		t.Fatal(err)
	}
	if info.CookieCount != 2 || !info.ExpiresAt.Equal(expires) {
		t.Errorf("info = %+v", info)
	}
	if len(info.Domains) != 2 || info.Domains[0] != "lulu-lala.zzzmobile.co.kr" {
		t.Errorf("domains = %v", info.Domains)
	}
}

func TestGetSessionErrorStatus(t *testing.T) {
	sessions := &fakeSessions{errs: map[string]error{
		"nocreds": &types.CredentialError{UserID: "nocreds", Err: types.ErrNoCredentials},
		"badpass": &types.LoginError{UserID: "badpass"},
		"nosso":   &types.NavigationError{UserID: "nosso"},
		"nobrow":  &types.ResourceError{Op: "new context", Err: types.ErrBrowserUnavailable},
		"closed":  types.ErrPoolClosed,
		"db":      &types.StorageError{Backend: "postgres", Err: errors.New("down")},
		"odd":     errors.New("odd"),
		"raced":   types.ErrSessionInvalidated,
	}}
	s := newTestServer(sessions, nil)

	tests := []struct {
		user   string
		status int
		reason string
	}{
		{"nocreds", http.StatusUnprocessableEntity, "credential"},
		{"badpass", http.StatusUnauthorized, "login"},
		{"nosso", http.StatusBadGateway, "navigation"},
		{"nobrow", http.StatusServiceUnavailable, "resource"},
		{"closed", http.StatusServiceUnavailable, "unknown"},
		{"db", http.StatusServiceUnavailable, "storage"},
		{"odd", http.StatusInternalServerError, "unknown"},
		{"raced", http.StatusConflict, "invalidated"},
		{"missing", http.StatusNotFound, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			rr := do(t, s, http.MethodGet, "/api/sessions/"+tt.user)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			var body map[string]string
			_ = json.NewDecoder(rr.Body).Decode(&body)
			if body["reason"] != tt.reason {
				t.Errorf("reason = %q, want %q", body["reason"], tt.reason)
			}
		})
	}
}

func TestInvalidateSession(t *testing.T) {
	sessions := &fakeSessions{}
	s := newTestServer(sessions, nil)

	rr := do(t, s, http.MethodDelete, "/api/sessions/u9")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(sessions.invalidated) != 1 || sessions.invalidated[0] != "u9" {
		t.Errorf("invalidated = %v", sessions.invalidated)
	}
}

func TestWarm(t *testing.T) {
	warmer := &fakeWarmer{report: session.WarmReport{
		Candidates: 2,
		Refreshed:  1,
		Failed:     1,
		Errors:     map[string]error{"u2": &types.LoginError{UserID: "u2"}},
	}}
	s := newTestServer(&fakeSessions{}, warmer)

	rr := do(t, s, http.MethodPost, "/api/warm")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Report   session.WarmReport `json:"report"`
		Failures map[string]string  `json:"failures"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Report.Refreshed != 1 || body.Report.Failed != 1 {
		t.Errorf("report = %+v", body.Report)
	}
	if body.Failures["u2"] != "login" {
		t.Errorf("failures = %v", body.Failures)
	}
}

func TestWarmWithoutWarmer(t *testing.T) {
	s := newTestServer(&fakeSessions{}, nil)
	if rr := do(t, s, http.MethodPost, "/api/warm"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(&fakeSessions{}, nil)
	rr := do(t, s, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "portalsession_") {
		t.Errorf("metrics body missing counters")
	}
}
