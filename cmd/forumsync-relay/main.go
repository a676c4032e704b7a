package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/auth"
	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"github.com/MarcoPoloResearchLab/forumsync/internal/config"
	"github.com/MarcoPoloResearchLab/forumsync/internal/database"
	"github.com/MarcoPoloResearchLab/forumsync/internal/logging"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/forumsync/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the shared forum state over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd := &cobra.Command{
		Use:   "forumsync-relay",
		Short: "Remote source of truth for forumsync clients",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: serveCmd.RunE,
	}

	var tokenUser, tokenName string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print a session token for a forumsync client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printToken(cmd, tokenUser, tokenName)
		},
	}
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id the token is issued for")
	tokenCmd.Flags().StringVar(&tokenName, "username", "", "Display name carried in the token")
	if err := tokenCmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, tokenCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret; enables bearer auth (overrides env)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Session token issuer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func printToken(cmd *cobra.Command, userID, username string) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}
	if !relayConfig.AuthEnabled() {
		return fmt.Errorf("auth.signing_secret is required to issue tokens")
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(relayConfig.SigningSecret),
		Issuer:        relayConfig.Issuer,
		TokenTTL:      relayConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(userID, username)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expiresAt.UTC().Format(time.RFC3339))
	return err
}

func runServer(ctx context.Context) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(relayConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(relayConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := cache.NewStore(ctx, cache.StoreConfig{Database: db, Logger: logging.Named(logger, "store", "")})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := server.Dependencies{
		Store:    store,
		Realtime: server.NewRealtimeDispatcher(),
		Metrics:  metrics.New(registry),
		Gatherer: registry,
		Logger:   logging.Named(logger, "http", ""),
	}
	if relayConfig.AuthEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(relayConfig.SigningSecret),
			Issuer:        relayConfig.Issuer,
		})
		if err != nil {
			return err
		}
		deps.Tokens = validator
	} else {
		logger.Warn("auth.signing_secret not set; relay accepts unauthenticated requests")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              relayConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", zap.String("address", relayConfig.HTTPAddress), zap.Bool("auth", relayConfig.AuthEnabled()))
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
