package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stackmesh/bastion/pkg/auth"
	"github.com/stackmesh/bastion/pkg/logger"
	"github.com/stackmesh/bastion/pkg/transport/session"
)

const (
	// SSEPath is the streaming endpoint clients connect to.
	SSEPath = "/sse"
	// MessagesPath receives JSON-RPC messages bound for a stream session.
	MessagesPath = "/messages"

	// keepAliveInterval is how often an idle stream gets a comment frame
	// so intermediaries do not reap the connection.
	keepAliveInterval = 30 * time.Second

	// maxMessageBytes bounds a single POST /messages body.
	maxMessageBytes = 4 * 1024 * 1024
)

// SSEMessage is one server-sent event.
type SSEMessage struct {
	EventType string
	Data      string
}

// NewSSEMessage creates an event with the given type and payload.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{EventType: eventType, Data: data}
}

// ToSSEString renders the wire form of the event. Multi-line payloads get
// one data: field per line, per the SSE framing rules.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	if m.EventType != "" {
		sb.WriteString("event: ")
		sb.WriteString(m.EventType)
		sb.WriteString("\n")
	}
	for _, line := range strings.Split(m.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// SSEHandler serves the streaming endpoint pair: GET /sse opens a session
// and streams events to it, POST /messages delivers JSON-RPC messages to
// an existing session.
type SSEHandler struct {
	sessions *session.Manager
	baseURL  string
}

// NewSSEHandler creates the handler. baseURL, when set, overrides the
// scheme and host derived from incoming requests when building the
// messages endpoint URL sent to clients.
func NewSSEHandler(sessions *session.Manager, baseURL string) *SSEHandler {
	return &SSEHandler{sessions: sessions, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// HandleSSE implements GET /sse.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	sess := h.sessions.Register()
	defer h.sessions.Remove(sess.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s%s?%s=%s", h.resolveBaseURL(r), MessagesPath, auth.SessionQueryParam, sess.ID())
	if _, err := fmt.Fprint(w, NewSSEMessage("endpoint", endpoint).ToSSEString()); err != nil {
		logger.Warnf("failed to write endpoint event for session %s: %v", sess.ID(), err)
		return
	}
	flusher.Flush()

	logger.Infof("SSE session %s established", sess.ID())

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("SSE session %s disconnected", sess.ID())
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-sess.Messages():
			if !open {
				return
			}
			if _, err := fmt.Fprint(w, msg); err != nil {
				logger.Warnf("failed to write event to session %s: %v", sess.ID(), err)
				return
			}
			flusher.Flush()
		}
	}
}

// HandleMessages implements POST /messages?sessionId=<id>.
func (h *SSEHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get(auth.SessionQueryParam)
	if sessionID == "" {
		WriteJSONError(w, http.StatusBadRequest, "missing_session_id", "sessionId query parameter is required")
		return
	}

	sess, err := h.sessions.Lookup(sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		WriteJSONError(w, http.StatusNotFound, "session_not_found", "no active session with this id")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_message", "body is not a valid JSON-RPC message")
		return
	}
	encoded, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_message", "failed to encode JSON-RPC message")
		return
	}

	if err := sess.Send(NewSSEMessage("message", string(encoded)).ToSSEString()); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionDisconnected):
			WriteJSONError(w, http.StatusNotFound, "session_not_found", "session is no longer connected")
		case errors.Is(err, session.ErrMessageChannelFull):
			WriteJSONError(w, http.StatusServiceUnavailable, "session_busy", "session message buffer is full")
		default:
			WriteJSONError(w, http.StatusInternalServerError, "delivery_failed", "failed to deliver message")
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *SSEHandler) resolveBaseURL(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
