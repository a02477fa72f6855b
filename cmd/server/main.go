package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/smartsell/shopbridge/internal/proxykit"
	"github.com/smartsell/shopbridge/internal/proxypg"
	"github.com/smartsell/shopbridge/internal/web"
	"github.com/smartsell/shopbridge/pkg/sessiontoken"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "shopbridge",
		Short:   "Backend proxy for an embedded merchant app: session-token verification, offline token exchange, and authenticated request forwarding",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("backend_api_url", "", "External backend base URL requests are forwarded to")
	rootCmd.Flags().String("shopify_api_key", "", "App client id used for token exchange and session-token audience checks")
	rootCmd.Flags().String("shopify_api_secret", "", "App client secret used for token exchange and session-token signatures")
	rootCmd.Flags().String("admin_api_version", proxykit.DefaultAdminAPIVersion, "Admin GraphQL API version")
	rootCmd.Flags().Duration("outbound_timeout", proxykit.DefaultOutboundTimeout, "Timeout applied to every outbound call")
	rootCmd.Flags().String("session_store_url", "", "Session store URL (postgres://, sqlite://, or redis://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin admin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Int("install_log_capacity", proxykit.DefaultInstallationLogCapacity, "Installation log entries retained per shop")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("backend_api_url", rootCmd.Flags().Lookup("backend_api_url"))
	_ = viper.BindPFlag("shopify_api_key", rootCmd.Flags().Lookup("shopify_api_key"))
	_ = viper.BindPFlag("shopify_api_secret", rootCmd.Flags().Lookup("shopify_api_secret"))
	_ = viper.BindPFlag("admin_api_version", rootCmd.Flags().Lookup("admin_api_version"))
	_ = viper.BindPFlag("outbound_timeout", rootCmd.Flags().Lookup("outbound_timeout"))
	_ = viper.BindPFlag("session_store_url", rootCmd.Flags().Lookup("session_store_url"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("install_log_capacity", rootCmd.Flags().Lookup("install_log_capacity"))

	_ = godotenv.Load()

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	// The hosting platform documents these variables without a prefix.
	_ = viper.BindEnv("backend_api_url", "APP_BACKEND_API_URL", "BACKEND_API_URL")
	_ = viper.BindEnv("shopify_api_key", "APP_SHOPIFY_API_KEY", "SHOPIFY_API_KEY")
	_ = viper.BindEnv("shopify_api_secret", "APP_SHOPIFY_API_SECRET", "SHOPIFY_API_SECRET")

	return rootCmd
}

const (
	configCodeMissingBackendURL   = "config.missing_backend_api_url"
	configCodeMissingAPIKey       = "config.missing_shopify_api_key"
	configCodeMissingAPISecret    = "config.missing_shopify_api_secret"
	configCodeInvalidTimeout      = "config.invalid_outbound_timeout"
	configCodeUninitializedServer = "config.uninitialized_server_config"
	configCodeUnsupportedStoreURL = "config.unsupported_session_store_url"
	configCodeSessionStoreInit    = "config.session_store_init"
	configCodeSessionVerifierInit = "config.session_verifier_init"
	configCodeForwarderInit       = "config.forwarder_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the viper-backed configuration.
func LoadServerConfig() (proxykit.ServerConfig, error) {
	backendAPIURL := viper.GetString("backend_api_url")
	if backendAPIURL == "" {
		return proxykit.ServerConfig{}, configError(configCodeMissingBackendURL, "backend_api_url must be provided")
	}

	shopifyAPIKey := viper.GetString("shopify_api_key")
	if shopifyAPIKey == "" {
		return proxykit.ServerConfig{}, configError(configCodeMissingAPIKey, "shopify_api_key must be provided")
	}

	shopifyAPISecret := viper.GetString("shopify_api_secret")
	if shopifyAPISecret == "" {
		return proxykit.ServerConfig{}, configError(configCodeMissingAPISecret, "shopify_api_secret must be provided")
	}

	outboundTimeout := viper.GetDuration("outbound_timeout")
	if outboundTimeout < 0 {
		return proxykit.ServerConfig{}, configError(configCodeInvalidTimeout, "outbound_timeout must not be negative")
	}
	if outboundTimeout == 0 {
		outboundTimeout = proxykit.DefaultOutboundTimeout
	}

	adminAPIVersion := viper.GetString("admin_api_version")
	if adminAPIVersion == "" {
		adminAPIVersion = proxykit.DefaultAdminAPIVersion
	}

	return proxykit.ServerConfig{
		BackendBaseURL:   proxykit.NormalizeBaseURL(backendAPIURL),
		ShopifyAPIKey:    shopifyAPIKey,
		ShopifyAPISecret: shopifyAPISecret,
		AdminAPIVersion:  adminAPIVersion,
		OutboundTimeout:  outboundTimeout,
	}, nil
}

func buildSessionStore(ctx context.Context, storeURL string, logger *zap.Logger) (proxykit.SessionStore, error) {
	if strings.TrimSpace(storeURL) == "" {
		logger.Info("using in-memory session store")
		return proxykit.NewMemorySessionStore(), nil
	}
	parsed, parseErr := url.Parse(storeURL)
	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeUnsupportedStoreURL, parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		store, storeErr := proxypg.NewSessionStore(ctx, storeURL)
		if storeErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeSessionStoreInit, storeErr)
		}
		logger.Info("using postgres session store")
		return store, nil
	case "sqlite", "sqlite3":
		store, storeErr := proxykit.NewDatabaseSessionStore(ctx, storeURL)
		if storeErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeSessionStoreInit, storeErr)
		}
		logger.Info("using database session store", zap.String("driver", store.Driver()))
		return store, nil
	case "redis", "rediss":
		store, storeErr := proxykit.NewRedisSessionStore(ctx, storeURL)
		if storeErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeSessionStoreInit, storeErr)
		}
		logger.Info("using redis session store")
		return store, nil
	default:
		return nil, configError(configCodeUnsupportedStoreURL, "session_store_url scheme must be postgres, sqlite, or redis")
	}
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(proxykit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServer, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	sessionStoreURL := viper.GetString("session_store_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	installLogCapacity := viper.GetInt("install_log_capacity")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	proxykit.ProvideLogger(logger)
	defer proxykit.ProvideLogger(nil)

	proxykit.ProvideClock(proxykit.NewSystemClock())
	defer proxykit.ProvideClock(nil)

	metricsRecorder := proxykit.NewCounterMetrics()
	proxykit.ProvideMetrics(metricsRecorder)
	defer proxykit.ProvideMetrics(nil)

	sessionStore, storeErr := buildSessionStore(command.Context(), sessionStoreURL, logger)
	if storeErr != nil {
		return storeErr
	}

	verifier, verifierErr := sessiontoken.New(sessiontoken.Config{
		APIKey:    serverConfig.ShopifyAPIKey,
		APISecret: []byte(serverConfig.ShopifyAPISecret),
	})
	if verifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeSessionVerifierInit, verifierErr)
	}

	forwarder, forwarderErr := proxykit.NewBackendForwarder(serverConfig.BackendBaseURL, serverConfig.OutboundTimeout)
	if forwarderErr != nil {
		return fmt.Errorf("%s: %w", configCodeForwarderInit, forwarderErr)
	}

	installLogs := proxykit.NewInstallationLogStore(installLogCapacity)

	proxykit.MountProxyRoutes(router, proxykit.RouteDependencies{
		Config:      serverConfig,
		Forwarder:   forwarder,
		Exchanger:   proxykit.NewTokenExchanger(serverConfig.ShopifyAPIKey, serverConfig.ShopifyAPISecret, serverConfig.OutboundTimeout),
		Sessions:    sessionStore,
		Verifier:    verifier,
		Admin:       proxykit.NewAdminClient(serverConfig.AdminAPIVersion, serverConfig.OutboundTimeout),
		Notifier:    proxykit.NewInstallationNotifier(serverConfig.BackendBaseURL, serverConfig.OutboundTimeout, installLogs),
		InstallLogs: installLogs,
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetString(web.RequestIDContextKey)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
