package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/callback"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "PROFILEHOST"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "profilehost.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultSessionTTL     = 24 * time.Hour
	defaultSessionIssuer  = "profilehost"
	defaultJWKSCacheTTL   = time.Hour
	defaultAllowedOrigins = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string

	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	SessionTTL           time.Duration
	SessionSecure        bool

	OIDC OIDCConfig

	Callback callback.Timings
}

// OIDCConfig describes the identity provider registration.
type OIDCConfig struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	JWKSURL       string
	Issuers       []string
	EndSessionURL string
	RedirectURL   string
	Scopes        []string
	JWKSCacheTTL  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.secure", true)

	configViper.SetDefault("oidc.scopes", "openid,profile,email")
	configViper.SetDefault("oidc.jwks_cache_ttl", defaultJWKSCacheTTL)

	timings := callback.DefaultTimings()
	configViper.SetDefault("callback.auth_probe", timings.AuthProbe)
	configViper.SetDefault("callback.auth_timeout", timings.AuthTimeout)
	configViper.SetDefault("callback.profile_probe", timings.ProfileProbe)
	configViper.SetDefault("callback.profile_timeout", timings.ProfileTimeout)
	configViper.SetDefault("callback.success_delay", timings.SuccessDelay)
	configViper.SetDefault("callback.degraded_delay", timings.DegradedDelay)
	configViper.SetDefault("callback.error_delay", timings.ErrorDelay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),

		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionTTL:           configViper.GetDuration("session.ttl"),
		SessionSecure:        configViper.GetBool("session.secure"),

		OIDC: OIDCConfig{
			ClientID:      configViper.GetString("oidc.client_id"),
			ClientSecret:  configViper.GetString("oidc.client_secret"),
			AuthURL:       configViper.GetString("oidc.auth_url"),
			TokenURL:      configViper.GetString("oidc.token_url"),
			JWKSURL:       configViper.GetString("oidc.jwks_url"),
			Issuers:       splitList(configViper.GetString("oidc.issuers")),
			EndSessionURL: configViper.GetString("oidc.end_session_url"),
			RedirectURL:   configViper.GetString("oidc.redirect_url"),
			Scopes:        splitList(configViper.GetString("oidc.scopes")),
			JWKSCacheTTL:  configViper.GetDuration("oidc.jwks_cache_ttl"),
		},

		Callback: callback.Timings{
			AuthProbe:      configViper.GetDuration("callback.auth_probe"),
			AuthTimeout:    configViper.GetDuration("callback.auth_timeout"),
			ProfileProbe:   configViper.GetDuration("callback.profile_probe"),
			ProfileTimeout: configViper.GetDuration("callback.profile_timeout"),
			SuccessDelay:   configViper.GetDuration("callback.success_delay"),
			DegradedDelay:  configViper.GetDuration("callback.degraded_delay"),
			ErrorDelay:     configViper.GetDuration("callback.error_delay"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	required := map[string]string{
		"oidc.client_id":    c.OIDC.ClientID,
		"oidc.auth_url":     c.OIDC.AuthURL,
		"oidc.token_url":    c.OIDC.TokenURL,
		"oidc.jwks_url":     c.OIDC.JWKSURL,
		"oidc.redirect_url": c.OIDC.RedirectURL,
	}
	for _, key := range []string{"oidc.client_id", "oidc.auth_url", "oidc.token_url", "oidc.jwks_url", "oidc.redirect_url"} {
		if strings.TrimSpace(required[key]) == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	if len(c.OIDC.Issuers) == 0 {
		return fmt.Errorf("oidc.issuers is required")
	}
	if c.Callback.AuthTimeout <= 0 || c.Callback.ProfileTimeout <= 0 {
		return fmt.Errorf("callback timeouts must be positive")
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
