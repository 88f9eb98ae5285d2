package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/telemetry"
)

// streamLogs serves worker log events as Server-Sent Events. The
// subscription lives exactly as long as the connection.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	events, cancel, err := s.plane.SubscribeLogs(r.Context())
	if err != nil {
		s.logger.Error("log subscription failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	defer cancel()
	s.serveSSE(w, r, func(emit func(any) error) error {
		for {
			select {
			case <-r.Context().Done():
				return nil
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				if err := emit(evt); err != nil {
					return err
				}
			}
		}
	})
}

// streamSessionEvents serves session lifecycle events as SSE.
func (s *Server) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel, err := s.plane.SubscribeSessionEvents(r.Context())
	if err != nil {
		s.logger.Error("session event subscription failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	defer cancel()
	s.serveSSE(w, r, func(emit func(any) error) error {
		for {
			select {
			case <-r.Context().Done():
				return nil
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				if err := emit(evt); err != nil {
					return err
				}
			}
		}
	})
}

// serveSSE writes the event-stream preamble, runs the pump with a
// heartbeat-capable emit function, and tears everything down when the pump
// returns or the client disconnects.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, pump func(emit func(any) error) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	telemetry.IncStreamClients()
	defer telemetry.DecStreamClients()

	heartbeat := time.Duration(s.cfg.Session.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	// Heartbeat and event writes race on the same connection; serialize them.
	var writeMu sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				// Heartbeats are SSE comments; clients ignore them but
				// intermediaries keep the connection alive.
				writeMu.Lock()
				_, err := fmt.Fprint(w, ": heartbeat\n\n")
				if err == nil {
					flusher.Flush()
				}
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	emit := func(payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		flusher.Flush()
		return nil
	}
	if err := pump(emit); err != nil {
		s.logger.Debug("event stream ended", zap.Error(err))
	}
	<-done
}
