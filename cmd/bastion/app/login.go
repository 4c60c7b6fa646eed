package app

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackmesh/bastion/pkg/auth/oauth"
	"github.com/stackmesh/bastion/pkg/config"
	"github.com/stackmesh/bastion/pkg/logger"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain a bearer token via the OAuth authorization code flow",
	Long: `Discover the resource server's authorization server, open the browser for
consent, catch the redirect on a local callback listener, and exchange the
authorization code for a token. The access token is printed to stdout so
it can be captured by scripts.`,
	RunE: loginCmdFunc,
}

func init() {
	loginCmd.Flags().String("resource-url", "", "Base URL of the protected resource server")
	loginCmd.Flags().String("client-id", "", "OAuth client ID")
	loginCmd.Flags().String("client-secret", "", "OAuth client secret (omit for public clients)")
	loginCmd.Flags().String("redirect-uri", "", "Redirect URI registered for the client (defaults to the local callback)")
	loginCmd.Flags().Int("callback-port", config.DefaultCallbackPort, "Local port for the callback listener")
	loginCmd.Flags().String("scope", config.DefaultScope, "Scope to request during authorization")
	loginCmd.Flags().Bool("skip-browser", false, "Print the authorization URL instead of opening a browser")

	bindings := map[string]string{
		"resource_url":  "resource-url",
		"client_id":     "client-id",
		"client_secret": "client-secret",
		"redirect_uri":  "redirect-uri",
		"callback_port": "callback-port",
		"scope":         "scope",
	}
	for key, flag := range bindings {
		if err := loginViper.BindPFlag(key, loginCmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}
}

var loginViper = config.NewViper()

func loginCmdFunc(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load(loginViper)
	if err != nil {
		return err
	}
	if err := settings.ValidateLogin(); err != nil {
		return err
	}

	skipBrowser, err := cmd.Flags().GetBool("skip-browser")
	if err != nil {
		return err
	}

	flow, err := oauth.NewFlow(&oauth.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		RedirectURI:  settings.RedirectURI,
		Scope:        settings.Scope,
		CallbackPort: settings.CallbackPort,
		ResourceURL:  settings.ResourceURL,
		SkipBrowser:  skipBrowser,
	})
	if err != nil {
		return fmt.Errorf("failed to create authorization flow: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := flow.Run(ctx)
	if err != nil {
		var denied *oauth.AuthorizationDeniedError
		var exchange *oauth.TokenExchangeError
		switch {
		case errors.As(err, &denied):
			return fmt.Errorf("authorization denied: %s", denied.Description)
		case errors.As(err, &exchange):
			return fmt.Errorf("token exchange failed with status %d", exchange.Status)
		default:
			return err
		}
	}

	if sub, ok := result.Claims["sub"].(string); ok {
		logger.Infof("logged in as %s", sub)
	}
	if !result.Expiry.IsZero() {
		logger.Infof("token expires at %s", result.Expiry.Format(time.RFC3339))
	}

	fmt.Println(result.AccessToken)
	return nil
}
