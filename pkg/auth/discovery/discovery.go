// Package discovery fetches the OAuth metadata documents a client needs
// to bootstrap: the protected-resource metadata published by the
// resource server (RFC 9728) and the authorization-server metadata
// published by the identity provider (RFC 8414).
//
// Both fetches are one-shot parse-and-return with no retries; a failure
// here almost always means misconfiguration, not a transient fault, so
// it is surfaced to the caller as-is.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stackmesh/bastion/pkg/networking"
)

// Well-known discovery paths.
const (
	ProtectedResourcePath   = "/.well-known/oauth-protected-resource"
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
)

// maxResponseSize bounds metadata documents to keep a misbehaving server
// from ballooning memory.
const maxResponseSize = 1024 * 1024

// ResourceMetadata is the protected-resource metadata document.
type ResourceMetadata struct {
	ResourceName         string   `json:"resource_name"`
	Resource             string   `json:"resource,omitempty"`
	AuthorizationServers []string `json:"authorization_servers"`
	BearerMethods        []string `json:"bearer_methods_supported,omitempty"`
	JWKSURI              string   `json:"jwks_uri,omitempty"`
}

// AuthServerMetadata is the authorization-server metadata document.
type AuthServerMetadata struct {
	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// Error reports a discovery endpoint that answered with a non-2xx status.
type Error struct {
	URL    string
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery unavailable: %s returned status %d", e.URL, e.Status)
}

// FetchResourceMetadata fetches the protected-resource metadata from the
// resource server's well-known path.
func FetchResourceMetadata(ctx context.Context, client *http.Client, resourceBaseURL string) (*ResourceMetadata, error) {
	metadataURL := strings.TrimSuffix(resourceBaseURL, "/") + ProtectedResourcePath

	var metadata ResourceMetadata
	if err := fetchJSON(ctx, client, metadataURL, &metadata); err != nil {
		return nil, err
	}

	if len(metadata.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("resource metadata from %s lists no authorization servers", metadataURL)
	}

	return &metadata, nil
}

// FetchAuthServerMetadata fetches the authorization-server metadata from
// the identity provider's well-known path.
func FetchAuthServerMetadata(ctx context.Context, client *http.Client, authServerBaseURL string) (*AuthServerMetadata, error) {
	metadataURL := strings.TrimSuffix(authServerBaseURL, "/") + AuthorizationServerPath

	var metadata AuthServerMetadata
	if err := fetchJSON(ctx, client, metadataURL, &metadata); err != nil {
		return nil, err
	}

	if metadata.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata from %s missing authorization_endpoint", metadataURL)
	}
	if metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata from %s missing token_endpoint", metadataURL)
	}

	return &metadata, nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	if client == nil {
		client = networking.NewHTTPClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{URL: url, Status: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to parse metadata from %s: %w", url, err)
	}

	return nil
}
