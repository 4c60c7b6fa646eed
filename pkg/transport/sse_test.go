package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmesh/bastion/pkg/auth"
	"github.com/stackmesh/bastion/pkg/transport/session"
)

const testToken = "good-token"

type staticVerifier struct{}

func (staticVerifier) Verify(_ context.Context, token string) (jwt.MapClaims, error) {
	if token == testToken {
		return jwt.MapClaims{"sub": "tester"}, nil
	}
	return nil, fmt.Errorf("%w: unknown token", auth.ErrInvalidToken)
}

// newTestServer builds the full guarded stack and serves it over
// httptest.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	sessions := session.NewManager()
	gate, err := auth.NewGate(auth.GateConfig{
		Verifier:             staticVerifier{},
		Sessions:             sessions,
		Realm:                "test",
		UnauthenticatedPaths: []string{HealthPath},
	})
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		ResourceName:  "Test Resource",
		Issuer:        "https://idp.example.com",
		AllowedOrigin: "https://app.example.com",
	}, sessions, gate.Middleware)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestWellKnownOpenWithCORS(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/.well-known/oauth-protected-resource", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Values("Vary"), "Origin")

	body := readAll(t, resp)
	assert.Contains(t, body, `"resource_name":"Test Resource"`)
	assert.Contains(t, body, `"authorization_servers":["https://idp.example.com"]`)
}

func TestWellKnownDisallowedOriginGetsNoCORSGrant(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/.well-known/oauth-protected-resource", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Values("Vary"), "Origin")
}

func TestPreflightTerminatedBeforeAuth(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSSERequiresCredential(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + SSEPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	assert.Contains(t, readAll(t, resp), "no_credential")
}

func TestHealthOpenWithoutCredential(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), `"status":"ok"`)
}

func TestSSEStreamLifecycle(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+SSEPath, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	require.Equal(t, "endpoint", event)
	require.Contains(t, data, MessagesPath+"?"+auth.SessionQueryParam+"=")

	sessionID := data[strings.Index(data, "=")+1:]
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, srv.Sessions().Len())

	// The endpoint URL from the stream works without a bearer token: the
	// open session is the credential.
	msgURL := ts.URL + MessagesPath + "?" + auth.SessionQueryParam + "=" + sessionID
	post, err := http.NewRequestWithContext(ctx, http.MethodPost, msgURL,
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	post.Header.Set("Content-Type", "application/json")

	postResp, err := ts.Client().Do(post)
	require.NoError(t, err)
	defer postResp.Body.Close()
	require.Equal(t, http.StatusAccepted, postResp.StatusCode)

	event, data = readEvent(t, reader)
	assert.Equal(t, "message", event)
	assert.Contains(t, data, `"method":"ping"`)

	// Dropping the stream removes the session.
	cancel()
	require.Eventually(t, func() bool {
		return srv.Sessions().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMessagesMissingSessionID(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+MessagesPath,
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "missing_session_id")
}

func TestMessagesUnknownSession(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+MessagesPath+"?"+auth.SessionQueryParam+"=nope",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "session_not_found")
}

func TestMessagesUnknownSessionWithoutCredentialIsUnauthorized(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := ts.Client().Post(
		ts.URL+MessagesPath+"?"+auth.SessionQueryParam+"=nope",
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessagesRejectsMalformedJSONRPC(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t)
	sess := srv.Sessions().Register()
	defer srv.Sessions().Remove(sess.ID())

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+MessagesPath+"?"+auth.SessionQueryParam+"="+sess.ID(),
		strings.NewReader(`not json at all`))
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "invalid_message")
}

func TestMessagesToDisconnectedSession(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t)
	sess := srv.Sessions().Register()
	sessionID := sess.ID()
	sess.Disconnect()

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+MessagesPath+"?"+auth.SessionQueryParam+"="+sessionID,
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEMessageFraming(t *testing.T) {
	t.Parallel()

	msg := NewSSEMessage("message", "line one\nline two")
	assert.Equal(t, "event: message\ndata: line one\ndata: line two\n\n", msg.ToSSEString())

	comment := NewSSEMessage("", "payload")
	assert.Equal(t, "data: payload\n\n", comment.ToSSEString())
}

// readEvent reads one SSE event (event type and data payload) from the
// stream, skipping comment frames.
func readEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()

	var event, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
			// comment frame
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimPrefix(line, "data: ")
		}
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
