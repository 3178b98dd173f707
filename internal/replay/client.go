// Package replay sends plain HTTP requests on behalf of a user, carrying the
// cookies of the user's cached portal session.
package replay

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/types"
)

const (
	maxRedirects = 10
	maxBodySize  = 10 << 20
)

// Sessions is the part of the session cache the client needs.
type Sessions interface {
	Get(ctx context.Context, userID string) (*types.SessionRecord, error)
	Invalidate(ctx context.Context, userID string) error
}

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Client replays requests with a user's session cookies. When the portal
// bounces a request to its login page, the session is invalidated and the
// call fails with types.ErrSessionRejected.
type Client struct {
	sessions  Sessions
	jars      *Jars
	transport http.RoundTripper
	timeout   time.Duration
	userAgent string
	loginHost string
	loginPath string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewClient creates a replay client for the configured portal.
func NewClient(sessions Sessions, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompressReader handles gzip, deflate and br
	}

	var loginHost string
	if u, err := url.Parse(cfg.Portal.LoginURL); err == nil {
		loginHost = strings.ToLower(u.Hostname())
	}

	return &Client{
		sessions:  sessions,
		jars:      NewJars(),
		transport: transport,
		timeout:   cfg.Timeouts.Navigation,
		userAgent: cfg.Browser.UserAgent,
		loginHost: loginHost,
		loginPath: strings.ToLower(cfg.Portal.LoginPath),
		logger:    logger.With("component", "replay_client"),
		metrics:   metrics,
	}
}

// Get fetches rawURL as userID.
func (c *Client) Get(ctx context.Context, userID, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.Do(ctx, userID, req)
}

// Do sends req with userID's session cookies and reads the whole body.
func (c *Client) Do(ctx context.Context, userID string, req *http.Request) (*Response, error) {
	rec, err := c.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	jar, err := c.jars.For(rec)
	if err != nil {
		return nil, fmt.Errorf("seed cookie jar: %w", err)
	}

	client := &http.Client{
		Transport: c.transport,
		Jar:       jar,
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("max redirects (%d) reached", maxRedirects)
			}
			return nil
		},
	}

	req = req.Clone(ctx)
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	}

	c.metrics.ReplayRequests.Add(1)
	start := time.Now()
	httpResp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", req.URL, err)
	}
	defer httpResp.Body.Close()

	final := httpResp.Request.URL
	if c.isLoginPage(final) {
		c.metrics.ReplayRejected.Add(1)
		c.jars.Drop(userID)
		c.logger.Warn("portal rejected session, invalidating", "user_id", userID, "url", req.URL.String(), "landed", final.String())
		if err := c.sessions.Invalidate(ctx, userID); err != nil {
			return nil, errors.Join(types.ErrSessionRejected, err)
		}
		return nil, types.ErrSessionRejected
	}

	reader, err := decompressReader(httpResp, io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", httpResp.Header.Get("Content-Encoding"), err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	resp := &Response{
		URL:        final.String(),
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
	c.logger.Debug("replay complete",
		"user_id", userID,
		"url", resp.URL,
		"status", resp.StatusCode,
		"size", len(body),
		"duration", resp.Duration,
	)
	return resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if t, ok := c.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (c *Client) isLoginPage(u *url.URL) bool {
	if u == nil || c.loginHost == "" || strings.ToLower(u.Hostname()) != c.loginHost {
		return false
	}
	return c.loginPath == "" || strings.Contains(strings.ToLower(u.Path), c.loginPath)
}

// decompressReader wraps reader with the decoder for the response's
// Content-Encoding.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}
