package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/session"
	"github.com/mbecker/applyfleet/internal/telemetry"
)

// maxPeekBytes bounds how much request body is buffered while resolving the
// candidate identity from it.
const maxPeekBytes = 4 << 20

// passthrough relays any /application/api/* request upstream on behalf of
// the resolved candidate.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	if !s.allowUpstream(w, r, sess.CandidateID) {
		return
	}
	s.forwarder.Proxy(w, r, sess)
}

// applyStrict is the create-application sub-route with field validation.
func (s *Server) applyStrict(w http.ResponseWriter, r *http.Request) {
	body, ok := s.bufferBody(w, r)
	if !ok {
		return
	}
	var payload struct {
		JobID      string `json:"jobId"`
		ScheduleID string `json:"scheduleId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.JobID == "" || payload.ScheduleID == "" {
		writeError(w, http.StatusBadRequest, "jobId and scheduleId are required")
		return
	}
	s.passthrough(w, r)
}

// confirmStrict is the confirm-application sub-route with field validation.
func (s *Server) confirmStrict(w http.ResponseWriter, r *http.Request) {
	body, ok := s.bufferBody(w, r)
	if !ok {
		return
	}
	var payload struct {
		ApplicationID string `json:"applicationId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ApplicationID == "" {
		writeError(w, http.StatusBadRequest, "applicationId is required")
		return
	}
	s.passthrough(w, r)
}

// resolveSession extracts the candidate identity (body field, header, query
// param, in that priority order) and loads its session. It writes the 400
// response itself when resolution fails.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (session.CandidateSession, bool) {
	candidateID := s.candidateFromBody(w, r)
	if candidateID == "" {
		candidateID = r.Header.Get("X-Candidate-Id")
	}
	if candidateID == "" {
		candidateID = r.URL.Query().Get("candidate")
	}
	if candidateID == "" {
		writeError(w, http.StatusBadRequest, "candidate identity is required")
		return session.CandidateSession{}, false
	}

	sess, err := s.sessions.Get(r.Context(), candidateID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "no session for candidate "+candidateID)
		return session.CandidateSession{}, false
	}
	if err != nil {
		s.logger.Error("session lookup failed", zap.String("candidate_id", candidateID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return session.CandidateSession{}, false
	}
	return sess, true
}

// allowUpstream runs the dual rate-limit check. Denials answer 429 with a
// retry-after hint and are expected to be retried by the caller.
func (s *Server) allowUpstream(w http.ResponseWriter, r *http.Request, candidateID string) bool {
	res := s.limiter.Take(r.Context(), candidateID)
	if res.Allowed {
		return true
	}
	telemetry.ObserveRateLimitDenied("api")
	secs := int(res.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// candidateFromBody peeks at a JSON body for a candidateId field, restoring
// the body for the forwarder afterwards.
func (s *Server) candidateFromBody(w http.ResponseWriter, r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	body, ok := s.bufferBody(w, r)
	if !ok {
		return ""
	}
	var payload struct {
		CandidateID string `json:"candidateId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.CandidateID
}

// bufferBody reads the request body into memory and resets r.Body so it can
// be read again downstream. Repeated calls are cheap once buffered.
func (s *Server) bufferBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if cerr := r.Body.Close(); cerr != nil {
		s.logger.Debug("close request body failed", zap.Error(cerr))
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}
