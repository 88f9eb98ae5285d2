package api

import (
	"time"

	"github.com/mbecker/applyfleet/internal/control"
	"github.com/mbecker/applyfleet/internal/session"
)

// startSession is one credentialed identity in a task batch.
type startSession struct {
	CandidateID  string `json:"candidateId"`
	AuthToken    string `json:"authToken"`
	CookieHeader string `json:"cookieHeader"`
}

// startJob is one job posting in a task batch.
type startJob struct {
	JobID      string `json:"jobId"`
	ScheduleID string `json:"scheduleId"`
}

// startRequest accepts either an explicit array on each side or a single
// flat session/job spelled out at the top level of the body.
type startRequest struct {
	Sessions []startSession `json:"sessions"`
	Jobs     []startJob     `json:"jobs"`

	// Flat single-session form.
	CandidateID  string `json:"candidateId"`
	AuthToken    string `json:"authToken"`
	CookieHeader string `json:"cookieHeader"`

	// Flat single-job form.
	JobID      string `json:"jobId"`
	ScheduleID string `json:"scheduleId"`
}

func (r startRequest) normalizedSessions() []startSession {
	if len(r.Sessions) > 0 {
		return r.Sessions
	}
	flat := startSession{
		CandidateID:  r.CandidateID,
		AuthToken:    r.AuthToken,
		CookieHeader: r.CookieHeader,
	}
	if flat.CandidateID == "" && flat.AuthToken == "" {
		return nil
	}
	return []startSession{flat}
}

func (r startRequest) normalizedJobs() []startJob {
	if len(r.Jobs) > 0 {
		return r.Jobs
	}
	flat := startJob{JobID: r.JobID, ScheduleID: r.ScheduleID}
	if flat.JobID == "" && flat.ScheduleID == "" {
		return nil
	}
	return []startJob{flat}
}

// tasks forms the cross product, dropping pairs that fail field validation.
func (r startRequest) tasks() []control.Task {
	sessions := r.normalizedSessions()
	jobs := r.normalizedJobs()
	tasks := make([]control.Task, 0, len(sessions)*len(jobs))
	for _, sess := range sessions {
		if sess.AuthToken == "" {
			continue
		}
		for _, job := range jobs {
			t := control.Task{
				JobID:        job.JobID,
				ScheduleID:   job.ScheduleID,
				CandidateID:  sess.CandidateID,
				AuthToken:    sess.AuthToken,
				CookieHeader: sess.CookieHeader,
			}
			if t.Validate() != nil {
				continue
			}
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// bootstrapRequest registers a candidate session.
type bootstrapRequest struct {
	CandidateID string                `json:"candidateId"`
	AccessToken string                `json:"accessToken"`
	Cookies     []session.CookieParam `json:"cookies"`
	CSRF        string                `json:"csrf"`
	TTLHours    int                   `json:"ttlHours"`
}

// pauseRequest carries the advisory pause duration.
type pauseRequest struct {
	DurationMs int64 `json:"durationMs"`
}

// sessionDTO is the listing shape for one candidate session.
type sessionDTO struct {
	CandidateID string     `json:"candidateId"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	PausedUntil *time.Time `json:"pausedUntil,omitempty"`
	Status      string     `json:"status"`
}
