package transport

import (
	"encoding/json"
	"net/http"

	"github.com/stackmesh/bastion/pkg/auth/discovery"
	"github.com/stackmesh/bastion/pkg/logger"
)

// ResourceMetadataConfig describes the protected resource advertised at
// the well-known endpoint.
type ResourceMetadataConfig struct {
	// ResourceName is the human readable name of this server.
	ResourceName string
	// Resource is the canonical URL of the protected resource.
	Resource string
	// Issuer is the authorization server trusted for this resource.
	Issuer string
	// JWKSURI optionally advertises where verification keys live.
	JWKSURI string
}

// ProtectedResourceHandler serves RFC 9728 protected resource metadata.
func ProtectedResourceHandler(cfg ResourceMetadataConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metadata := discovery.ResourceMetadata{
			ResourceName:         cfg.ResourceName,
			Resource:             cfg.Resource,
			AuthorizationServers: []string{cfg.Issuer},
			BearerMethods:        []string{"header"},
			JWKSURI:              cfg.JWKSURI,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(metadata); err != nil {
			logger.Warnf("failed to write resource metadata: %v", err)
		}
	}
}

// CORSMiddleware answers cross-origin requests for the allowed origin and
// terminates preflights. Vary: Origin is always set so caches keep
// per-origin responses apart.
func CORSMiddleware(allowedOrigin string) MiddlewareFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		w.Header().Add("Vary", "Origin")

		origin := r.Header.Get("Origin")
		if origin != "" && (allowedOrigin == "*" || origin == allowedOrigin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
