package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stackmesh/bastion/pkg/logger"
)

// Credential extraction points, in priority order.
const (
	SourceHeader  CredentialSource = "header"
	SourceQuery   CredentialSource = "query-parameter"
	SourceCookie  CredentialSource = "cookie"
	SourceBody    CredentialSource = "body"
	SourceSession CredentialSource = "session"
)

// CredentialSource records where the gate found the credential it acted on.
type CredentialSource string

// Request surface the gate scans.
const (
	// SessionQueryParam names an already-admitted streaming session.
	SessionQueryParam = "sessionId"
	// TokenQueryParam is the fallback query-string credential carrier.
	TokenQueryParam = "access_token"
	// TokenCookieName is the fallback cookie credential carrier.
	TokenCookieName = "bastion_token"
	// TokenBodyField is the JSON body field scanned on POST requests.
	TokenBodyField = "access_token"

	// WellKnownPrefix marks discovery paths that must stay reachable
	// without a credential or the discovery loop cannot bootstrap.
	WellKnownPrefix = "/.well-known/"
)

// maxBodyScan bounds how much of a JSON body the gate will read while
// looking for a credential.
const maxBodyScan = 1 << 20

// Decision is the transient outcome of gating one request.
type Decision struct {
	Allow  bool
	Reason string
	Source CredentialSource
}

// TokenVerifier verifies a bearer credential and returns its claims.
// *TokenValidator is the production implementation.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (jwt.MapClaims, error)
}

// SessionChecker reports whether a streaming session is currently open.
type SessionChecker interface {
	Has(id string) bool
}

// GateConfig configures the authentication gate.
type GateConfig struct {
	// Verifier validates extracted credentials. Required unless
	// PresenceOnly is set.
	Verifier TokenVerifier

	// Sessions backs the session shortcut; a request naming an open
	// session skips credential verification entirely. May be nil.
	Sessions SessionChecker

	// PresenceOnly skips cryptographic verification and only requires
	// that some credential is present. Staged-rollout aid; never the
	// default, and not suitable for write-capable endpoints.
	PresenceOnly bool

	// Realm and ResourceMetadataURL feed the WWW-Authenticate header on
	// 401 responses (RFC 6750 / RFC 9728).
	Realm               string
	ResourceMetadataURL string

	// UnauthenticatedPaths lists exact paths admitted without a
	// credential, on top of the built-in discovery bypass.
	UnauthenticatedPaths []string
}

// Gate is the per-request authentication decision point.
type Gate struct {
	cfg GateConfig
}

// ClaimsContextKey is the key used to store verified claims in the
// request context.
type ClaimsContextKey struct{}

// NewGate creates an authentication gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Verifier == nil && !cfg.PresenceOnly {
		return nil, fmt.Errorf("a token verifier is required unless presence-only mode is enabled")
	}
	return &Gate{cfg: cfg}, nil
}

// Middleware wraps a handler with the authentication gate. The decision
// rules run in fixed order, first match wins:
//
//  1. discovery paths and CORS preflight are always allowed
//  2. a request naming an open session is allowed without re-verification
//  3. otherwise a credential is extracted (header, query, cookie, body)
//  4. no credential found: 401
//  5. credential found: verified, expiry reported distinctly
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, claims := g.decide(r)
		if !decision.Allow {
			g.writeUnauthorized(w, decision)
			return
		}

		logger.Debugw("request admitted",
			"path", r.URL.Path,
			"source", string(decision.Source),
		)

		if claims != nil {
			r = r.WithContext(context.WithValue(r.Context(), ClaimsContextKey{}, claims))
		}
		next.ServeHTTP(w, r)
	})
}

// decide evaluates the gate rules for one request.
func (g *Gate) decide(r *http.Request) (Decision, jwt.MapClaims) {
	// Rule 1: discovery paths and preflight stay open.
	if r.Method == http.MethodOptions || strings.HasPrefix(r.URL.Path, WellKnownPrefix) {
		return Decision{Allow: true, Reason: "open path"}, nil
	}
	for _, path := range g.cfg.UnauthenticatedPaths {
		if r.URL.Path == path {
			return Decision{Allow: true, Reason: "open path"}, nil
		}
	}

	// Rule 2: an open session is the authentication event of record.
	if sid := r.URL.Query().Get(SessionQueryParam); sid != "" && g.cfg.Sessions != nil {
		if g.cfg.Sessions.Has(sid) {
			return Decision{Allow: true, Reason: "active session", Source: SourceSession}, nil
		}
	}

	// Rule 3: scan for a credential in fixed priority order.
	token, source := extractCredential(r)
	if token == "" {
		return Decision{Reason: "no credential provided"}, nil
	}

	if g.cfg.PresenceOnly {
		return Decision{Allow: true, Reason: "credential present (unverified)", Source: source}, nil
	}

	claims, err := g.cfg.Verifier.Verify(r.Context(), token)
	if err != nil {
		reason := "token verification failed"
		if errors.Is(err, ErrTokenExpired) {
			reason = "token expired"
		}
		logger.Debugw("credential rejected", "source", string(source), "error", err.Error())
		return Decision{Reason: reason, Source: source}, nil
	}

	return Decision{Allow: true, Reason: "token verified", Source: source}, claims
}

// extractCredential scans the request for a bearer credential. First
// non-empty source wins; the source is recorded for observability.
func extractCredential(r *http.Request) (string, CredentialSource) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			return strings.TrimSpace(authHeader[7:]), SourceHeader
		}
	}

	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token, SourceQuery
	}

	if cookie, err := r.Cookie(TokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, SourceCookie
	}

	if token := credentialFromBody(r); token != "" {
		return token, SourceBody
	}

	return "", ""
}

// credentialFromBody scans a JSON POST body for the token field, leaving
// the body readable for the downstream handler.
func credentialFromBody(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	if !strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyScan))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	token, _ := fields[TokenBodyField].(string)
	return token
}

// writeUnauthorized writes the structured 401 response with a
// WWW-Authenticate challenge.
func (g *Gate) writeUnauthorized(w http.ResponseWriter, decision Decision) {
	code := "invalid_token"
	switch decision.Reason {
	case "no credential provided":
		code = "no_credential"
	case "token expired":
		code = "token_expired"
	}

	w.Header().Set("WWW-Authenticate", g.buildWWWAuthenticate(code != "no_credential", decision.Reason))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	resp := map[string]any{
		"error":   "unauthorized",
		"code":    code,
		"message": decision.Reason,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warnf("failed to write unauthorized response: %v", err)
	}
}

// buildWWWAuthenticate builds an RFC 6750 / RFC 9728 compliant value for
// the WWW-Authenticate header. It always includes realm and, if set,
// resource_metadata. If includeError is true it appends
// error="invalid_token" and an optional description.
func (g *Gate) buildWWWAuthenticate(includeError bool, errDescription string) string {
	var parts []string

	if g.cfg.Realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(g.cfg.Realm)))
	}

	if g.cfg.ResourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(g.cfg.ResourceMetadataURL)))
	}

	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}
