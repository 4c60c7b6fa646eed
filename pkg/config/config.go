// Package config loads the bastion runtime settings.
//
// Settings come from three layers, later layers overriding earlier ones:
// built-in defaults, an optional config file, and BASTION_* environment
// variables. Command flags bound by the CLI override all of them.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Default values for the settings surface.
const (
	DefaultListenAddress = "127.0.0.1:8080"
	DefaultCallbackPort  = 8765
	DefaultResourceName  = "bastion"
	DefaultScope         = "openid"
)

// Settings holds the full configuration surface for both the resource
// server and the login client.
type Settings struct {
	// Server side
	ListenAddress string `mapstructure:"listen_address"`
	BaseURL       string `mapstructure:"base_url"`
	ResourceName  string `mapstructure:"resource_name"`
	AllowedOrigin string `mapstructure:"allowed_origin"`

	// Token validation
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	JWKSURL  string `mapstructure:"jwks_url"`

	// PresenceOnly enables the lighter-weight gate variant that checks
	// only that a credential is present without verifying it. Staging
	// aid; must never protect write-capable endpoints.
	PresenceOnly bool `mapstructure:"presence_only"`

	// Client side (login flow)
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	CallbackPort int    `mapstructure:"callback_port"`
	Scope        string `mapstructure:"scope"`
	ResourceURL  string `mapstructure:"resource_url"`
}

// NewViper returns a viper instance prepared with defaults and env bindings.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen_address", DefaultListenAddress)
	v.SetDefault("base_url", "http://"+DefaultListenAddress)
	v.SetDefault("resource_name", DefaultResourceName)
	v.SetDefault("allowed_origin", "")
	v.SetDefault("issuer", "")
	v.SetDefault("audience", "")
	v.SetDefault("jwks_url", "")
	v.SetDefault("presence_only", false)
	v.SetDefault("client_id", "")
	v.SetDefault("client_secret", "")
	v.SetDefault("redirect_uri", "")
	v.SetDefault("callback_port", DefaultCallbackPort)
	v.SetDefault("scope", DefaultScope)
	v.SetDefault("resource_url", "http://"+DefaultListenAddress)

	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("bastion")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/bastion")

	return v
}

// Load reads settings from the prepared viper instance. A missing config
// file is fine; a malformed one is not.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &s, nil
}

// ValidateServer checks the settings needed to run the resource server.
func (s *Settings) ValidateServer() error {
	if s.PresenceOnly {
		// The presence-only gate needs no validator configuration.
		return nil
	}
	if s.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required unless presence_only is set")
	}
	return nil
}

// ValidateLogin checks the settings needed to run the login flow.
func (s *Settings) ValidateLogin() error {
	if s.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if s.ResourceURL == "" {
		return fmt.Errorf("resource_url is required")
	}
	return nil
}
