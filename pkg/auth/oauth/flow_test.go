package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmesh/bastion/pkg/auth/discovery"
)

// stubIdP is an httptest identity provider serving authorization-server
// metadata and a configurable token endpoint.
type stubIdP struct {
	server        *httptest.Server
	tokenHandler  http.HandlerFunc
	tokenRequests atomic.Int64
}

func newStubIdP(t *testing.T, tokenHandler http.HandlerFunc) *stubIdP {
	t.Helper()

	idp := &stubIdP{tokenHandler: tokenHandler}
	mux := http.NewServeMux()
	mux.HandleFunc(discovery.AuthorizationServerPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q
		}`, idp.server.URL, idp.server.URL+"/authorize", idp.server.URL+"/token")
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenRequests.Add(1)
		idp.tokenHandler(w, r)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

// newStubResource is an httptest resource server publishing protected
// resource metadata pointing at the given authorization servers.
func newStubResource(t *testing.T, authServers ...string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc(discovery.ProtectedResourcePath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resource_name":         "bastion-test",
			"authorization_servers": authServers,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// startFlow runs the flow in the background and waits for its callback
// listener to come up.
func startFlow(t *testing.T, flow *Flow) (<-chan *TokenResult, <-chan error) {
	t.Helper()

	resultCh := make(chan *TokenResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := flow.Run(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	base := fmt.Sprintf("http://localhost:%d/", flow.port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "nonexistent")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond, "callback listener should come up")

	return resultCh, errCh
}

func callbackGet(t *testing.T, flow *Flow, query string) *http.Response {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?%s", flow.port, CallbackPath, query))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFlowCompletesExchange(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "test-code", r.PostForm.Get("code"))

		// Client credentials must arrive via HTTP Basic.
		user, pass, ok := r.BasicAuth()
		require.True(t, ok, "token request must use Basic auth")
		assert.Equal(t, "test-client", user)
		assert.Equal(t, "test-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "issued-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Scope:        "openid",
		ResourceURL:  resource.URL,
		SkipBrowser:  true,
	})
	require.NoError(t, err)

	resultCh, errCh := startFlow(t, flow)

	resp := callbackGet(t, flow, "code=test-code&state="+flow.state)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case result := <-resultCh:
		assert.Equal(t, "issued-token", result.AccessToken)
		assert.Equal(t, "Bearer", result.TokenType)
	case err := <-errCh:
		t.Fatalf("flow failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not complete")
	}

	assert.Equal(t, int64(1), idp.tokenRequests.Load())
}

func TestFlowIgnoresDuplicateCallbacks(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "issued-token",
			"token_type":   "Bearer",
		})
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	resultCh, errCh := startFlow(t, flow)

	first := callbackGet(t, flow, "code=test-code&state="+flow.state)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	// A browser retry after resolution must not re-drive the flow.
	second := callbackGet(t, flow, "code=replayed-code&state="+flow.state)
	assert.Equal(t, http.StatusGone, second.StatusCode)

	select {
	case <-resultCh:
	case err := <-errCh:
		t.Fatalf("flow failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not complete")
	}

	assert.Equal(t, int64(1), idp.tokenRequests.Load(), "the code is exchanged exactly once")
}

func TestFlowAuthorizationDenied(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	_, errCh := startFlow(t, flow)

	resp := callbackGet(t, flow, "error=access_denied&error_description=User%20declined")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case err := <-errCh:
		var denied *AuthorizationDeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, "access_denied", denied.Code)
		assert.Equal(t, "User declined", denied.Description)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not fail")
	}

	assert.Zero(t, idp.tokenRequests.Load(), "no token request after a denied authorization")
}

func TestFlowMissingAuthorizationCode(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	_, errCh := startFlow(t, flow)

	callbackGet(t, flow, "state="+flow.state)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrMissingAuthorizationCode)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not fail")
	}
}

func TestFlowStateMismatch(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	_, errCh := startFlow(t, flow)

	callbackGet(t, flow, "code=test-code&state=forged")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStateMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not fail")
	}

	assert.Zero(t, idp.tokenRequests.Load())
}

func TestFlowTokenExchangeFailure(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	resultCh, errCh := startFlow(t, flow)

	callbackGet(t, flow, "code=test-code&state="+flow.state)

	select {
	case <-resultCh:
		t.Fatal("no partial token may be returned on exchange failure")
	case err := <-errCh:
		var exchErr *TokenExchangeError
		require.ErrorAs(t, err, &exchErr)
		assert.Equal(t, http.StatusBadRequest, exchErr.Status)
		assert.Contains(t, exchErr.Body, "invalid_grant")
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not finish")
	}
}

func TestFlowDiscoveryFailureIsTerminal(t *testing.T) {
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(resource.Close)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	_, err = flow.Run(context.Background())
	var discErr *discovery.Error
	require.ErrorAs(t, err, &discErr)
	assert.Equal(t, http.StatusServiceUnavailable, discErr.Status)
}

func TestFlowListenerTornDown(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "Bearer"})
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	resultCh, errCh := startFlow(t, flow)
	callbackGet(t, flow, "code=test-code&state="+flow.state)

	select {
	case <-resultCh:
	case err := <-errCh:
		t.Fatalf("flow failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not complete")
	}

	// The callback port must not stay bound after the flow ends.
	assert.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/", flow.port))
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFlowCancellation(t *testing.T) {
	idp := newStubIdP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	resource := newStubResource(t, idp.server.URL)

	flow, err := NewFlow(&Config{
		ClientID:    "test-client",
		ResourceURL: resource.URL,
		SkipBrowser: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := flow.Run(ctx)
		errCh <- err
	}()

	// Let the flow reach the waiting state, then abandon it.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled flow did not return")
	}
}

func TestNewFlowValidation(t *testing.T) {
	t.Parallel()

	_, err := NewFlow(nil)
	assert.Error(t, err)

	_, err = NewFlow(&Config{ResourceURL: "http://localhost:1"})
	assert.Error(t, err, "client ID is required")

	_, err = NewFlow(&Config{ClientID: "x"})
	assert.Error(t, err, "resource URL is required")
}
