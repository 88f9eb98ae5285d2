package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/control"
	"github.com/mbecker/applyfleet/internal/ratelimit"
	"github.com/mbecker/applyfleet/internal/session"
	"github.com/mbecker/applyfleet/internal/telemetry"
)

// Paths of the two-phase application workflow on the upstream API.
const (
	createApplicationPath  = "/application/api/applications"
	confirmApplicationPath = "/application/api/applications/confirm"
)

// maxAPIResponseBytes bounds how much of an upstream body the client parses.
const maxAPIResponseBytes = 1 << 20

// ApplyResult is the outcome of a create-application call.
type ApplyResult struct {
	ApplicationID string
	StatusCode    int
}

// SessionResolver is the subset of the session store the client needs.
type SessionResolver interface {
	Get(ctx context.Context, candidateID string) (session.CandidateSession, error)
}

// Client drives the two-phase workflow through the forwarder. Every call
// re-resolves the session (freshest jar) and passes both rate-limit checks
// before touching the upstream.
type Client struct {
	fwd      *Forwarder
	sessions SessionResolver
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewClient wires the typed upstream client.
func NewClient(fwd *Forwarder, sessions SessionResolver, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{fwd: fwd, sessions: sessions, limiter: limiter, logger: logger}
}

type applicationResponse struct {
	ApplicationID string   `json:"applicationId"`
	ID            string   `json:"id"`
	Errors        []string `json:"errors"`
}

func (r applicationResponse) applicationID() string {
	if r.ApplicationID != "" {
		return r.ApplicationID
	}
	return r.ID
}

// CreateApplication submits the (job, schedule, candidate) triple and returns
// the upstream-assigned application identifier.
func (c *Client) CreateApplication(ctx context.Context, task control.Task) (ApplyResult, error) {
	body, err := json.Marshal(map[string]string{
		"jobId":       task.JobID,
		"scheduleId":  task.ScheduleID,
		"candidateId": task.CandidateID,
	})
	if err != nil {
		return ApplyResult{}, &Error{Code: CodeInternal, Message: "encode create payload", Err: err}
	}
	parsed, status, err := c.call(ctx, task, createApplicationPath, body)
	if err != nil {
		return ApplyResult{}, err
	}
	appID := parsed.applicationID()
	if appID == "" {
		return ApplyResult{StatusCode: status}, Errf(CodeUpstreamFailed, "create response carried no application id")
	}
	return ApplyResult{ApplicationID: appID, StatusCode: status}, nil
}

// ConfirmApplication polls the update/confirm operation for a known
// application id. confirmed is true when the upstream reports success with
// no errors.
func (c *Client) ConfirmApplication(ctx context.Context, task control.Task, applicationID string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"applicationId": applicationID,
		"candidateId":   task.CandidateID,
	})
	if err != nil {
		return false, &Error{Code: CodeInternal, Message: "encode confirm payload", Err: err}
	}
	parsed, _, err := c.call(ctx, task, confirmApplicationPath, body)
	if err != nil {
		return false, err
	}
	return len(parsed.Errors) == 0, nil
}

func (c *Client) call(ctx context.Context, task control.Task, path string, body []byte) (applicationResponse, int, error) {
	sess, err := c.sessions.Get(ctx, task.CandidateID)
	if err != nil {
		return applicationResponse{}, 0, Errf(CodeUnknownCandidate, "no session for candidate %s", task.CandidateID)
	}
	if res := c.limiter.Take(ctx, task.CandidateID); !res.Allowed {
		telemetry.ObserveRateLimitDenied("worker")
		return applicationResponse{}, 0, &Error{
			Code:       CodeRateLimited,
			Message:    fmt.Sprintf("budget exhausted for candidate %s", task.CandidateID),
			RetryAfter: res.RetryAfter,
		}
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	resp, err := c.fwd.Do(ctx, sess, Request{
		Method:     http.MethodPost,
		Path:       path,
		Body:       bytes.NewReader(body),
		Header:     header,
		RegionHint: string(RegionForJob(task.JobID)),
	})
	if err != nil {
		return applicationResponse{}, 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close upstream body failed", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return applicationResponse{}, resp.StatusCode, &Error{
			Code:       CodeUpstreamRateLimit,
			Message:    "upstream rate limited",
			RetryAfter: RetryAfterOf(resp),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return applicationResponse{}, resp.StatusCode, Errf(CodeUpstreamFailed, "upstream returned %d for %s", resp.StatusCode, path)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return applicationResponse{}, resp.StatusCode, &Error{Code: CodeUpstreamFailed, Message: "read upstream response", Err: err}
	}
	var parsed applicationResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return applicationResponse{}, resp.StatusCode, &Error{Code: CodeUpstreamFailed, Message: "decode upstream response", Err: err}
		}
	}
	return parsed, resp.StatusCode, nil
}
