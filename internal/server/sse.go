package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/opencode-ai/turnstream/internal/event"
	"github.com/opencode-ai/turnstream/internal/logging"
)

const (
	// SSEHeartbeatInterval is the default keep-alive interval.
	SSEHeartbeatInterval = 30 * time.Second

	wsWriteWait       = 10 * time.Second
	maxWSMessageBytes = 4 << 10
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	// ResponseController reaches through middleware wrappers.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprintf(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// subscribe attaches to a session's events, writing the error response on failure.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*event.Subscription, bool) {
	sessionID := chi.URLParam(r, "sessionID")

	sub, err := s.events.Subscribe(r.Context(), sessionID)
	switch {
	case errors.Is(err, event.ErrUnknownSession):
		writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, "Session not found", map[string]any{"sessionID": sessionID})
		return nil, false
	case errors.Is(err, event.ErrHubClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Server is shutting down")
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return nil, false
	}
	return sub, true
}

// sessionEvents handles GET /session/{sessionID}/event as Server-Sent Events.
// The first event is a snapshot; the stream ends after finalized. A client
// disconnect only detaches this subscriber.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Flush headers before the first event arrives.
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					logging.Warn().Err(err).Str("sessionID", sub.SessionID()).Msg("SSE subscriber dropped")
				}
				return
			}
			if err := sse.writeEvent("message", ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}

// sessionSocket handles GET /session/{sessionID}/ws. Events are sent as JSON
// text frames; pings keep the connection alive. The server closes the socket
// with a normal closure after finalized.
func (s *Server) sessionSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("sessionID", sub.SessionID()).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSMessageBytes)

	pongWait := 2 * s.config.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The reader only exists to process control frames and notice the peer
	// going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
				if err := sub.Err(); err != nil {
					msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
				}
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
