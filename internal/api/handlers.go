package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/session"
)

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.normalizedSessions()) == 0 {
		writeError(w, http.StatusBadRequest, "at least one session required")
		return
	}
	if len(req.normalizedJobs()) == 0 {
		writeError(w, http.StatusBadRequest, "at least one job required")
		return
	}
	tasks := req.tasks()
	if len(tasks) == 0 {
		writeError(w, http.StatusBadRequest, "no valid tasks in batch")
		return
	}
	if err := s.plane.ReplaceTasks(r.Context(), tasks); err != nil {
		s.logger.Error("replace backlog failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue tasks")
		return
	}
	s.logger.Info("backlog replaced", zap.Int("tasks", len(tasks)))
	writeJSON(w, http.StatusAccepted, map[string]int{"tasks": len(tasks)})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.BroadcastStop(r.Context()); err != nil {
		// Stop always answers 200; the broadcast is best effort.
		s.logger.Error("stop broadcast failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CandidateID == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "candidateId and accessToken are required")
		return
	}
	if req.Cookies == nil {
		writeError(w, http.StatusBadRequest, "cookies array is required")
		return
	}
	now := s.clock.Now()
	sess := session.CandidateSession{
		CandidateID: req.CandidateID,
		AccessToken: req.AccessToken,
		Cookies:     session.NormalizeCookies(req.Cookies, now),
		CSRF:        req.CSRF,
	}
	ttl := s.cfg.SessionTTL()
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	if err := s.sessions.Upsert(r.Context(), sess, ttl); err != nil {
		s.logger.Error("session upsert failed", zap.String("candidate_id", req.CandidateID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidateId": req.CandidateID,
		"cookies":     len(sess.Cookies),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	now := s.clock.Now()
	dtos := make([]sessionDTO, 0, len(sessions))
	for _, sess := range sessions {
		dto := sessionDTO{
			CandidateID: sess.CandidateID,
			UpdatedAt:   sess.UpdatedAt,
			ExpiresAt:   sess.ExpiresAt,
			Status:      string(session.StatusActive),
		}
		if sess.Expired(now) {
			dto.Status = string(session.StatusExpired)
		} else if until, paused, err := s.sessions.Paused(r.Context(), sess.CandidateID); err == nil && paused {
			dto.Status = string(session.StatusPaused)
			dto.PausedUntil = &until
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": dtos})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	candidateID := chi.URLParam(r, "candidate_id")
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DurationMs <= 0 {
		writeError(w, http.StatusBadRequest, "durationMs must be > 0")
		return
	}
	if _, err := s.sessions.Get(r.Context(), candidateID); errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown candidate")
		return
	}
	if err := s.sessions.Pause(r.Context(), candidateID, time.Duration(req.DurationMs)*time.Millisecond); err != nil {
		s.logger.Error("pause session failed", zap.String("candidate_id", candidateID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to pause session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"candidateId": candidateID, "status": string(session.StatusPaused)})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	candidateID := chi.URLParam(r, "candidate_id")
	if err := s.sessions.Resume(r.Context(), candidateID); err != nil {
		s.logger.Error("resume session failed", zap.String("candidate_id", candidateID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resume session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"candidateId": candidateID, "status": string(session.StatusActive)})
}
