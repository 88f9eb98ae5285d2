package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	controlmemory "github.com/mbecker/applyfleet/internal/control/memory"
	"github.com/mbecker/applyfleet/internal/proxy"
	"github.com/mbecker/applyfleet/internal/ratelimit"
	ratelimitmemory "github.com/mbecker/applyfleet/internal/ratelimit/memory"
	sessionmemory "github.com/mbecker/applyfleet/internal/session/memory"
)

// upstreamEcho records the last upstream request and answers 200.
type upstreamEcho struct {
	lastPath string
	lastAuth string
	lastBody string
}

func (u *upstreamEcho) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		u.lastPath = r.URL.Path
		u.lastAuth = r.Header.Get("Authorization")
		u.lastBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"applicationId":"app-1"}`)
	}
}

func newProxyEnv(t *testing.T) (*testEnv, *upstreamEcho) {
	t.Helper()
	echo := &upstreamEcho{}
	ts := httptest.NewServer(echo.handler())
	t.Cleanup(ts.Close)
	env := newTestEnv(t, hostOf(t, ts))
	env.bootstrapCandidate(t, "alice")
	return env, echo
}

func TestPassthroughResolvesCandidateFromBody(t *testing.T) {
	t.Parallel()

	env, echo := newProxyEnv(t)
	rec := env.do(t, http.MethodPost, "/application/api/profile", `{"candidateId":"alice","field":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/application/api/profile", echo.lastPath)
	require.Equal(t, "Bearer tok", echo.lastAuth)
	require.JSONEq(t, `{"candidateId":"alice","field":"x"}`, echo.lastBody, "body must reach upstream intact")
}

func TestPassthroughResolvesCandidateFromHeader(t *testing.T) {
	t.Parallel()

	env, echo := newProxyEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/application/api/profile", nil)
	req.Header.Set("X-Candidate-Id", "alice")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Bearer tok", echo.lastAuth)
}

func TestPassthroughResolvesCandidateFromQuery(t *testing.T) {
	t.Parallel()

	env, _ := newProxyEnv(t)
	rec := env.do(t, http.MethodGet, "/application/api/profile?candidate=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPassthroughBodyFieldWinsOverHeader(t *testing.T) {
	t.Parallel()

	env, echo := newProxyEnv(t)
	env.bootstrapCandidate(t, "bob")

	req := httptest.NewRequest(http.MethodPost, "/application/api/profile", strings.NewReader(`{"candidateId":"alice"}`))
	req.Header.Set("X-Candidate-Id", "bob")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Bearer tok", echo.lastAuth)
	require.Contains(t, echo.lastBody, "alice")
}

func TestPassthroughRequiresCandidate(t *testing.T) {
	t.Parallel()

	env, _ := newProxyEnv(t)
	rec := env.do(t, http.MethodGet, "/application/api/profile", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPassthroughUnknownCandidate(t *testing.T) {
	t.Parallel()

	env, _ := newProxyEnv(t)
	rec := env.do(t, http.MethodGet, "/application/api/profile?candidate=nobody", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPassthroughRateLimited(t *testing.T) {
	t.Parallel()

	echo := &upstreamEcho{}
	ts := httptest.NewServer(echo.handler())
	t.Cleanup(ts.Close)

	cfg := testConfig()
	cfg.Upstream.PrimaryHost = hostOf(t, ts)
	plane := controlmemory.NewPlane()
	sessions := sessionmemory.NewStore(nil, nil)
	// Single-token budget with negligible refill: the second call must deny.
	limiter := ratelimit.New(ratelimitmemory.NewStore(nil, 0, 0), ratelimit.Config{
		CandidateRPS:   0.001,
		CandidateBurst: 1,
	}, nil)
	forwarder := proxy.New(proxy.Config{
		Scheme:      cfg.Upstream.Scheme,
		PrimaryHost: cfg.Upstream.PrimaryHost,
		Timeout:     cfg.UpstreamTimeout(),
	}, nil, nil)
	env := &testEnv{server: NewServer(sessions, plane, limiter, forwarder, cfg, nil, nil), sessions: sessions, plane: plane}
	env.bootstrapCandidate(t, "alice")

	rec := env.do(t, http.MethodGet, "/application/api/profile?candidate=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/application/api/profile?candidate=alice", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestApplyStrictValidation(t *testing.T) {
	t.Parallel()

	env, _ := newProxyEnv(t)

	rec := env.do(t, http.MethodPost, "/application/api/applications", `{"candidateId":"alice","jobId":"j1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "scheduleId is required")

	rec = env.do(t, http.MethodPost, "/application/api/applications",
		`{"candidateId":"alice","jobId":"j1","scheduleId":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"applicationId":"app-1"}`, rec.Body.String())
}

func TestConfirmStrictValidation(t *testing.T) {
	t.Parallel()

	env, _ := newProxyEnv(t)

	rec := env.do(t, http.MethodPost, "/application/api/applications/confirm", `{"candidateId":"alice"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "applicationId is required")

	rec = env.do(t, http.MethodPost, "/application/api/applications/confirm",
		`{"candidateId":"alice","applicationId":"app-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}
