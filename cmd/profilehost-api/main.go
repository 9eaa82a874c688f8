package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/auth"
	"github.com/MarcoPoloResearchLab/profilehost/internal/config"
	"github.com/MarcoPoloResearchLab/profilehost/internal/database"
	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/logging"
	"github.com/MarcoPoloResearchLab/profilehost/internal/server"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
	"github.com/coder/quartz"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "profilehost-api",
		Short: "Login callback and profile provisioning service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("session-ttl", defaults.GetDuration("session.ttl"), "Session cookie lifetime")
	cmd.PersistentFlags().String("oidc-client-id", defaults.GetString("oidc.client_id"), "OIDC client ID")
	cmd.PersistentFlags().String("oidc-redirect-url", defaults.GetString("oidc.redirect_url"), "Registered OIDC callback URL")
	cmd.PersistentFlags().Duration("auth-timeout", defaults.GetDuration("callback.auth_timeout"), "How long the callback waits for authentication")
	cmd.PersistentFlags().Duration("profile-timeout", defaults.GetDuration("callback.profile_timeout"), "How long the callback waits for the profile")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.ttl", "session-ttl")
	bindFlag(cmd, "oidc.client_id", "oidc-client-id")
	bindFlag(cmd, "oidc.redirect_url", "oidc-redirect-url")
	bindFlag(cmd, "callback.auth_timeout", "auth-timeout")
	bindFlag(cmd, "callback.profile_timeout", "profile-timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionTokens, err := auth.NewSessionTokens(auth.SessionTokensConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
		TTL:           appConfig.SessionTTL,
		Secure:        appConfig.SessionSecure,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewIDTokenVerifier(auth.IDTokenVerifierConfig{
		Audience:       appConfig.OIDC.ClientID,
		JWKSURL:        appConfig.OIDC.JWKSURL,
		AllowedIssuers: appConfig.OIDC.Issuers,
		CacheTTL:       appConfig.OIDC.JWKSCacheTTL,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	provider, err := identity.NewProvider(identity.ProviderConfig{
		ClientID:      appConfig.OIDC.ClientID,
		ClientSecret:  appConfig.OIDC.ClientSecret,
		AuthURL:       appConfig.OIDC.AuthURL,
		TokenURL:      appConfig.OIDC.TokenURL,
		EndSessionURL: appConfig.OIDC.EndSessionURL,
		RedirectURL:   appConfig.OIDC.RedirectURL,
		Scopes:        appConfig.OIDC.Scopes,
		Verifier:      verifier,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	store, err := users.NewGormStore(db)
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{
		Store:      store,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Provider: provider,
		NewBridge: func(opts identity.BridgeOptions) identity.Bridge {
			return provider.NewBridge(opts)
		},
		Sessions:       sessionTokens,
		Profiles:       profiles,
		CallbackURL:    appConfig.OIDC.RedirectURL,
		Timings:        appConfig.Callback,
		Clock:          quartz.NewReal(),
		AllowedOrigins: appConfig.AllowedOrigins,
		SecureCookies:  appConfig.SessionSecure,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
