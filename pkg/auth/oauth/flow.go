// Package oauth runs the client-side authorization-code flow: discovery,
// interactive authorization through the system browser, and the code
// exchange that yields a usable access token.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/stackmesh/bastion/pkg/auth"
	"github.com/stackmesh/bastion/pkg/auth/discovery"
	"github.com/stackmesh/bastion/pkg/logger"
	"github.com/stackmesh/bastion/pkg/networking"
)

// CallbackPath is the fixed path the local listener accepts the
// authorization redirect on.
const CallbackPath = "/callback"

// Config contains configuration for the authorization flow.
type Config struct {
	// ClientID is the OAuth client ID
	ClientID string

	// ClientSecret is the OAuth client secret
	ClientSecret string

	// RedirectURI overrides the default http://localhost:<port>/callback
	RedirectURI string

	// Scope is the scope value requested during authorization
	Scope string

	// CallbackPort is the local port for the callback listener
	// (0 means auto-select)
	CallbackPort int

	// ResourceURL is the base URL of the protected resource server;
	// discovery starts there.
	ResourceURL string

	// SkipBrowser prints the authorization URL instead of opening a browser
	SkipBrowser bool

	// HTTPClient is used for discovery and the token exchange; defaults
	// to a timeout-bounded client when nil.
	HTTPClient *http.Client
}

// TokenResult contains the result of a completed flow.
type TokenResult struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
	Claims      jwt.MapClaims
}

// callbackResult is the single terminal event of the callback listener.
type callbackResult struct {
	code string
	err  error
}

// Flow runs the discovery-and-exchange state machine. States advance
// strictly forward; any failure is terminal for the run. A Flow value is
// single use.
type Flow struct {
	config *Config
	port   int
	state  string

	resolveOnce sync.Once
	resultCh    chan callbackResult
}

// NewFlow creates a new authorization flow.
func NewFlow(config *Config) (*Flow, error) {
	if config == nil {
		return nil, errors.New("oauth config cannot be nil")
	}
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if config.ResourceURL == "" {
		return nil, errors.New("resource URL is required")
	}

	port, err := networking.FindOrUsePort(config.CallbackPort)
	if err != nil {
		return nil, fmt.Errorf("failed to find available callback port: %w", err)
	}

	flow := &Flow{
		config:   config,
		port:     port,
		resultCh: make(chan callbackResult, 1),
	}

	if err := flow.generateState(); err != nil {
		return nil, fmt.Errorf("failed to generate state parameter: %w", err)
	}

	return flow, nil
}

func (f *Flow) generateState() error {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return err
	}
	f.state = base64.RawURLEncoding.EncodeToString(stateBytes)
	return nil
}

func (f *Flow) redirectURI() string {
	if f.config.RedirectURI != "" {
		return f.config.RedirectURI
	}
	return fmt.Sprintf("http://localhost:%d%s", f.port, CallbackPath)
}

// Run executes the flow to completion: resource discovery, authorization
// server discovery, interactive authorization, code exchange. The
// callback listener is torn down whether the flow succeeds, fails, or is
// cancelled.
func (f *Flow) Run(ctx context.Context) (*TokenResult, error) {
	// Resource discovery. The first listed authorization server wins;
	// no preference scoring.
	resourceMeta, err := discovery.FetchResourceMetadata(ctx, f.config.HTTPClient, f.config.ResourceURL)
	if err != nil {
		return nil, err
	}
	authServer := resourceMeta.AuthorizationServers[0]
	logger.Infof("Discovered authorization server: %s", authServer)

	serverMeta, err := discovery.FetchAuthServerMetadata(ctx, f.config.HTTPClient, authServer)
	if err != nil {
		return nil, err
	}

	var scopes []string
	if f.config.Scope != "" {
		scopes = []string{f.config.Scope}
	}

	oauth2Config := &oauth2.Config{
		ClientID:     f.config.ClientID,
		ClientSecret: f.config.ClientSecret,
		RedirectURL:  f.redirectURI(),
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  serverMeta.AuthorizationEndpoint,
			TokenURL: serverMeta.TokenEndpoint,
			// Client credentials go in an HTTP Basic header, not the form body.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	// Bind the listener before showing the URL so the redirect cannot
	// race the server start.
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.port))
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, f.handleCallback)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.resolve(callbackResult{err: fmt.Errorf("callback server failed: %w", err)})
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shut down callback server: %v", err)
		}
	}()

	authURL := oauth2Config.AuthCodeURL(f.state)
	if f.config.SkipBrowser {
		logger.Infof("Open this URL in your browser to authorize: %s", authURL)
	} else {
		logger.Infof("Opening browser to: %s", authURL)
		if err := browser.OpenURL(authURL); err != nil {
			// Non-fatal; the user can follow the printed URL.
			logger.Warnf("Failed to open browser: %v", err)
			logger.Infof("Please open this URL manually: %s", authURL)
		}
	}

	logger.Info("Waiting for authorization callback...")

	var result callbackResult
	select {
	case result = <-f.resultCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("authorization flow cancelled: %w", ctx.Err())
	}
	if result.err != nil {
		return nil, result.err
	}

	return f.exchangeCode(ctx, oauth2Config, result.code)
}

// resolve delivers the flow's single terminal event. Later calls are
// dropped, so a browser retrying the callback cannot re-drive the flow.
func (f *Flow) resolve(result callbackResult) bool {
	delivered := false
	f.resolveOnce.Do(func() {
		f.resultCh <- result
		delivered = true
	})
	return delivered
}

// handleCallback accepts the authorization redirect. Exactly one request
// resolves the flow; anything after that gets a "already completed" page.
func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		err := &AuthorizationDeniedError{
			Code:        errParam,
			Description: query.Get("error_description"),
		}
		if f.resolve(callbackResult{err: err}) {
			writeErrorPage(w, err)
		} else {
			writeCompletedPage(w)
		}
		return
	}

	if query.Get("state") != f.state {
		if f.resolve(callbackResult{err: ErrStateMismatch}) {
			writeErrorPage(w, ErrStateMismatch)
		} else {
			writeCompletedPage(w)
		}
		return
	}

	code := query.Get("code")
	if code == "" {
		if f.resolve(callbackResult{err: ErrMissingAuthorizationCode}) {
			writeErrorPage(w, ErrMissingAuthorizationCode)
		} else {
			writeCompletedPage(w)
		}
		return
	}

	if f.resolve(callbackResult{code: code}) {
		writeSuccessPage(w)
	} else {
		writeCompletedPage(w)
	}
}

// exchangeCode trades the single-use authorization code for a token.
func (f *Flow) exchangeCode(ctx context.Context, oauth2Config *oauth2.Config, code string) (*TokenResult, error) {
	if f.config.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.config.HTTPClient)
	}

	token, err := oauth2Config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, &TokenExchangeError{
				Status: retrieveErr.Response.StatusCode,
				Body:   string(retrieveErr.Body),
			}
		}
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	result := &TokenResult{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Expiry:      token.Expiry,
	}

	// Best-effort claim extraction for logging; opaque tokens simply
	// yield the invalid sentinel.
	if decoded := auth.DecodeToken(token.AccessToken); decoded.Valid {
		result.Claims = decoded.Claims
	}

	logger.Info("Authorization flow completed")
	return result, nil
}
