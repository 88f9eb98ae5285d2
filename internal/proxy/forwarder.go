// Package proxy forwards requests to the upstream application API with the
// candidate's credentials injected. Each attempt is independent: no retries,
// no per-request state beyond the resolved session.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/clock"
	"github.com/mbecker/applyfleet/internal/session"
	"github.com/mbecker/applyfleet/internal/telemetry"
)

// Region identifies an upstream deployment.
type Region string

// Supported regions.
const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
)

// euJobMarker routes jobs to the EU region when present in the job ID.
const euJobMarker = "-eu-"

// RegionForJob derives the upstream region from the job ID naming convention.
func RegionForJob(jobID string) Region {
	if strings.Contains(strings.ToLower(jobID), euJobMarker) {
		return RegionEU
	}
	return RegionUS
}

// allowedHeaders is the fixed set of request headers propagated upstream.
// Everything else is dropped so internal routing and control headers never
// leak.
var allowedHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"User-Agent",
	"X-Requested-With",
	"Origin",
	"Referer",
	"X-Worker-Id",
}

// DefaultRetryAfter is surfaced when the upstream 429 carries no hint.
const DefaultRetryAfter = 5 * time.Second

// Config controls upstream connectivity.
type Config struct {
	Scheme      string
	PrimaryHost string
	EUHost      string
	// Timeout bounds each upstream call (10-15s budget).
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Request describes one upstream call on behalf of a resolved session.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Body       io.Reader
	Header     http.Header
	RegionHint string
}

// Forwarder relays requests upstream over persistent keep-alive connections.
type Forwarder struct {
	client *http.Client
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
}

// New builds a Forwarder with defaults applied.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Forwarder {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 32
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &Forwarder{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}
}

// ResolveRegion picks the target region with a three-tier fallback: explicit
// hint when recognized, then path/host naming convention, then primary.
func (f *Forwarder) ResolveRegion(hint, path, host string) Region {
	switch Region(strings.ToLower(strings.TrimSpace(hint))) {
	case RegionUS:
		return RegionUS
	case RegionEU:
		return RegionEU
	}
	if strings.Contains(strings.ToLower(path), "/eu/") || strings.HasPrefix(strings.ToLower(host), "eu.") {
		return RegionEU
	}
	return RegionUS
}

// Host returns the upstream host for a region.
func (f *Forwarder) Host(region Region) string {
	if region == RegionEU && f.cfg.EUHost != "" {
		return f.cfg.EUHost
	}
	return f.cfg.PrimaryHost
}

// Do forwards one request with credentials injected and returns the upstream
// response unchanged. Connectivity failures come back as taxonomy errors;
// upstream status codes (429 included) are the caller's to interpret.
func (f *Forwarder) Do(ctx context.Context, sess session.CandidateSession, preq Request) (*http.Response, error) {
	region := f.ResolveRegion(preq.RegionHint, preq.Path, "")
	host := f.Host(region)
	if host == "" {
		return nil, Errf(CodeInternal, "no upstream host configured for region %s", region)
	}

	target := url.URL{
		Scheme:   f.cfg.Scheme,
		Host:     host,
		Path:     preq.Path,
		RawQuery: preq.RawQuery,
	}
	req, err := http.NewRequestWithContext(ctx, preq.Method, target.String(), preq.Body)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: "build upstream request", Err: err}
	}

	for _, name := range allowedHeaders {
		if v := preq.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	f.injectCredentials(req, sess, host)

	resp, err := f.client.Do(req)
	if err != nil {
		code := CodeUpstreamFailed
		if isTimeout(err) {
			code = CodeTimeout
		}
		telemetry.ObserveUpstreamRequest(string(region), 0)
		return nil, &Error{Code: code, Message: fmt.Sprintf("upstream %s %s", preq.Method, preq.Path), Err: err}
	}
	telemetry.ObserveUpstreamRequest(string(region), resp.StatusCode)
	return resp, nil
}

// injectCredentials sets the bearer token, CSRF header, and a Cookie header
// synthesized from the session jar filtered to the target host. The caller's
// original cookie header is never forwarded.
func (f *Forwarder) injectCredentials(req *http.Request, sess session.CandidateSession, host string) {
	req.Header.Del("Cookie")
	req.Header.Del("Authorization")
	if sess.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}
	if sess.CSRF != "" {
		req.Header.Set("X-CSRF-Token", sess.CSRF)
	}
	now := f.clock.Now()
	cookies := session.CookiesForHost(sess.Cookies, host, now)
	if len(cookies) == 0 {
		return
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	req.Header.Set("Cookie", strings.Join(pairs, "; "))
}

// Proxy relays an inbound request upstream and streams the response back.
// The upstream status and headers pass through unchanged, except that a 429
// is guaranteed a Retry-After hint.
func (f *Forwarder) Proxy(w http.ResponseWriter, r *http.Request, sess session.CandidateSession) {
	preq := Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Body:       r.Body,
		Header:     r.Header,
		RegionHint: r.Header.Get("X-Target-Region"),
	}
	preq.RegionHint = firstNonEmpty(preq.RegionHint, regionFromRequest(r))

	resp, err := f.Do(r.Context(), sess, preq)
	if err != nil {
		code := CodeOf(err)
		f.logger.Warn("proxy upstream call failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, string(code), HTTPStatus(code))
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close upstream body failed", zap.Error(cerr))
		}
	}()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests && header.Get("Retry-After") == "" {
		header.Set("Retry-After", strconv.Itoa(int(DefaultRetryAfter.Seconds())))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(&flushWriter{w: w}, resp.Body); err != nil {
		f.logger.Debug("stream upstream body interrupted", zap.Error(err))
	}
}

// RetryAfterOf parses the upstream Retry-After hint, falling back to the
// default when absent or malformed.
func RetryAfterOf(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}

func regionFromRequest(r *http.Request) string {
	if strings.Contains(strings.ToLower(r.URL.Path), "/eu/") || strings.HasPrefix(strings.ToLower(r.Host), "eu.") {
		return string(RegionEU)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type flushWriter struct {
	w http.ResponseWriter
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}
