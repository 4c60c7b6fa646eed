package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackmesh/bastion/pkg/auth"
	"github.com/stackmesh/bastion/pkg/auth/discovery"
	"github.com/stackmesh/bastion/pkg/config"
	"github.com/stackmesh/bastion/pkg/logger"
	"github.com/stackmesh/bastion/pkg/transport"
	"github.com/stackmesh/bastion/pkg/transport/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the protected SSE resource server",
	Long: `Run the resource server. Every request passes the authentication gate:
discovery paths and CORS preflights are open, requests naming an active
streaming session are admitted, and everything else needs a bearer token
that verifies against the configured issuer's JWKS.`,
	RunE: serveCmdFunc,
}

func init() {
	serveCmd.Flags().String("listen-address", config.DefaultListenAddress, "Address to listen on (host:port)")
	serveCmd.Flags().String("base-url", "", "Externally visible base URL of this server")
	serveCmd.Flags().String("resource-name", config.DefaultResourceName, "Resource name advertised in discovery metadata")
	serveCmd.Flags().String("allowed-origin", "", "Origin granted cross-origin access to discovery metadata")
	serveCmd.Flags().String("issuer", "", "Trusted OAuth issuer URL")
	serveCmd.Flags().String("audience", "", "Expected token audience")
	serveCmd.Flags().String("jwks-url", "", "JWKS endpoint for token signature verification")
	serveCmd.Flags().Bool("presence-only", false, "Only require that a credential is present, without verifying it")

	bindings := map[string]string{
		"listen_address": "listen-address",
		"base_url":       "base-url",
		"resource_name":  "resource-name",
		"allowed_origin": "allowed-origin",
		"issuer":         "issuer",
		"audience":       "audience",
		"jwks_url":       "jwks-url",
		"presence_only":  "presence-only",
	}
	for key, flag := range bindings {
		if err := serveViper.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}
}

var serveViper = config.NewViper()

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load(serveViper)
	if err != nil {
		return err
	}
	if err := settings.ValidateServer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var verifier auth.TokenVerifier
	if !settings.PresenceOnly {
		validator, err := auth.NewTokenValidator(ctx, auth.TokenValidatorConfig{
			Issuer:   settings.Issuer,
			Audience: settings.Audience,
			JWKSURL:  settings.JWKSURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create token validator: %w", err)
		}
		verifier = validator
	} else {
		logger.Warn("presence-only mode enabled; credentials are not verified")
	}

	sessions := session.NewManager()
	gate, err := auth.NewGate(auth.GateConfig{
		Verifier:             verifier,
		Sessions:             sessions,
		PresenceOnly:         settings.PresenceOnly,
		Realm:                settings.ResourceName,
		ResourceMetadataURL:  settings.BaseURL + discovery.ProtectedResourcePath,
		UnauthenticatedPaths: []string{transport.HealthPath},
	})
	if err != nil {
		return fmt.Errorf("failed to create authentication gate: %w", err)
	}

	server := transport.NewServer(transport.ServerConfig{
		ListenAddress: settings.ListenAddress,
		BaseURL:       settings.BaseURL,
		ResourceName:  settings.ResourceName,
		Issuer:        settings.Issuer,
		JWKSURL:       settings.JWKSURL,
		AllowedOrigin: settings.AllowedOrigin,
	}, sessions, gate.Middleware)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
