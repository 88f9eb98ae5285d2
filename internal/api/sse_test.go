package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbecker/applyfleet/internal/control"
	"github.com/mbecker/applyfleet/internal/session"
)

// readSSEData reads lines off an event stream until a data frame arrives.
func readSSEData(t *testing.T, body *bufio.Reader) string {
	t.Helper()
	for {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStreamLogsDeliversEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Fire-and-forget delivery: publish until the subscription is live.
	pubDone := make(chan struct{})
	defer close(pubDone)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pubDone:
				return
			case <-ticker.C:
				_ = env.plane.PublishLog(context.Background(), control.LogEvent{
					Type:    control.LogSuccess,
					Message: "application app-1 created",
				})
			}
		}
	}()

	data := readSSEData(t, bufio.NewReader(resp.Body))
	var evt control.LogEvent
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	require.Equal(t, control.LogSuccess, evt.Type)
	require.Contains(t, evt.Message, "app-1")
}

func TestStreamSessionEventsDeliversEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	pubDone := make(chan struct{})
	defer close(pubDone)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pubDone:
				return
			case <-ticker.C:
				_ = env.plane.PublishSessionEvent(context.Background(), session.Event{
					Type:        session.EventPaused,
					CandidateID: "alice",
				})
			}
		}
	}()

	data := readSSEData(t, bufio.NewReader(resp.Body))
	var evt session.Event
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	require.Equal(t, session.EventPaused, evt.Type)
	require.Equal(t, "alice", evt.CandidateID)
}
