// Command server starts the Mediaflow transcoding API service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/auth"
	"mediaflow/internal/observability/logging"
	"mediaflow/internal/observability/metrics"
	"mediaflow/internal/relay"
	"mediaflow/internal/server"
	"mediaflow/internal/storage"
	"mediaflow/internal/transcoder"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	keyStoreDriver := flag.String("key-store", "", "API key store driver (memory or postgres)")
	keyPostgresDSN := flag.String("key-postgres-dsn", "", "Postgres DSN for the API key store")
	relayDriver := flag.String("relay-driver", "", "job event relay driver (memory or redis)")
	relayRedisAddr := flag.String("relay-redis-addr", "", "Redis address for the job event relay")
	relayRedisAddrs := flag.String("relay-redis-addrs", "", "comma separated Redis addresses for the job event relay")
	relayRedisUsername := flag.String("relay-redis-username", "", "Redis username for the job event relay")
	relayRedisPassword := flag.String("relay-redis-password", "", "Redis password for the job event relay")
	relayRedisStream := flag.String("relay-redis-stream", "", "Redis stream key for job events")
	relayRedisGroup := flag.String("relay-redis-group", "", "Redis consumer group for job events")
	relayRedisMasterName := flag.String("relay-redis-sentinel-master", "", "Redis sentinel master name for the job event relay")
	relayRedisPoolSize := flag.Int("relay-redis-pool-size", 0, "maximum Redis connections for the job event relay")
	relayRedisTLSCA := flag.String("relay-redis-tls-ca", "", "path to Redis TLS CA certificate for the job event relay")
	relayRedisTLSCert := flag.String("relay-redis-tls-cert", "", "path to Redis TLS client certificate for the job event relay")
	relayRedisTLSKey := flag.String("relay-redis-tls-key", "", "path to Redis TLS client key for the job event relay")
	relayRedisTLSServerName := flag.String("relay-redis-tls-server-name", "", "override Redis TLS server name for the job event relay")
	relayRedisTLSSkipVerify := flag.Bool("relay-redis-tls-skip-verify", false, "skip Redis TLS verification for the job event relay")
	transcoderBaseURL := flag.String("transcoder-base-url", "", "serverless transcode endpoint root URL")
	transcoderToken := flag.String("transcoder-token", "", "bearer token for transcode submissions")
	webhookURL := flag.String("webhook-url", "", "public URL the provider delivers progress webhooks to")
	webhookSecret := flag.String("webhook-secret", "", "shared secret signing webhook payloads")
	reaperInterval := flag.Duration("reaper-interval", 0, "interval between stalled job sweeps")
	reaperDeadline := flag.Duration("reaper-deadline", 0, "age after which a dispatched job is considered stalled")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	webhookRateLimit := flag.Int("rate-webhook-limit", 0, "maximum webhook deliveries per window for a single IP")
	webhookRateWindow := flag.Duration("rate-webhook-window", 0, "window for counting webhook deliveries")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for shared webhook throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for shared webhook throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFLOW_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAFLOW_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("MEDIAFLOW_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("MEDIAFLOW_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("MEDIAFLOW_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var (
		store              storage.Repository
		storagePostgresDSN string
	)
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("MEDIAFLOW_DATA"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "MEDIAFLOW_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "MEDIAFLOW_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "MEDIAFLOW_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "MEDIAFLOW_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "MEDIAFLOW_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "MEDIAFLOW_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("MEDIAFLOW_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	keyConfig, err := resolveKeyStoreConfig(
		*keyStoreDriver,
		os.Getenv("MEDIAFLOW_KEY_STORE"),
		driver,
		storagePostgresDSN,
		*keyPostgresDSN,
		os.Getenv("MEDIAFLOW_KEY_POSTGRES_DSN"),
	)
	if err != nil {
		logger.Error("failed to resolve key store", "error", err)
		os.Exit(1)
	}

	var (
		keyStore  auth.KeyStore
		keyCloser func(context.Context) error
	)
	switch keyConfig.Driver {
	case "memory":
		keyStore = auth.NewMemoryKeyStore()
	case "postgres":
		pgStore, err := auth.NewPostgresKeyStore(keyConfig.DSN)
		if err != nil {
			logger.Error("failed to open key store", "error", err)
			os.Exit(1)
		}
		keyStore = pgStore
		keyCloser = pgStore.Close
	default:
		logger.Error("unsupported key store driver", "driver", keyConfig.Driver)
		os.Exit(1)
	}
	keys := auth.NewKeyManager(auth.WithStore(keyStore))

	relayCfg := relay.RedisQueueConfig{
		Addr:       firstNonEmpty(*relayRedisAddr, os.Getenv("MEDIAFLOW_RELAY_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*relayRedisAddrs, os.Getenv("MEDIAFLOW_RELAY_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*relayRedisUsername, os.Getenv("MEDIAFLOW_RELAY_REDIS_USERNAME")),
		Password:   firstNonEmpty(*relayRedisPassword, os.Getenv("MEDIAFLOW_RELAY_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*relayRedisStream, os.Getenv("MEDIAFLOW_RELAY_REDIS_STREAM")),
		Group:      firstNonEmpty(*relayRedisGroup, os.Getenv("MEDIAFLOW_RELAY_REDIS_GROUP")),
		MasterName: firstNonEmpty(*relayRedisMasterName, os.Getenv("MEDIAFLOW_RELAY_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*relayRedisPoolSize, "MEDIAFLOW_RELAY_REDIS_POOL_SIZE"),
		TLS: relay.RedisTLSConfig{
			CAFile:             firstNonEmpty(*relayRedisTLSCA, os.Getenv("MEDIAFLOW_RELAY_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*relayRedisTLSCert, os.Getenv("MEDIAFLOW_RELAY_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*relayRedisTLSKey, os.Getenv("MEDIAFLOW_RELAY_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*relayRedisTLSServerName, os.Getenv("MEDIAFLOW_RELAY_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*relayRedisTLSSkipVerify, "MEDIAFLOW_RELAY_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureRelay(*relayDriver, relayCfg, logger)
	if err != nil {
		logger.Error("failed to configure job event relay", "error", err)
		os.Exit(1)
	}

	webhookSecretValue := firstNonEmpty(*webhookSecret, os.Getenv("MEDIAFLOW_WEBHOOK_SECRET"))
	if webhookSecretValue == "" {
		logger.Error("webhook secret is required")
		os.Exit(1)
	}

	handler := api.NewHandler(store, keys)
	handler.Relay = queue
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")
	handler.WebhookSecret = webhookSecretValue

	transcoderCfg := transcoder.Config{
		BaseURL:       firstNonEmpty(*transcoderBaseURL, os.Getenv("MEDIAFLOW_TRANSCODER_BASE_URL")),
		Token:         firstNonEmpty(*transcoderToken, os.Getenv("MEDIAFLOW_TRANSCODER_TOKEN")),
		WebhookURL:    firstNonEmpty(*webhookURL, os.Getenv("MEDIAFLOW_WEBHOOK_URL")),
		WebhookSecret: webhookSecretValue,
	}
	if transcoderCfg.BaseURL != "" {
		controller, err := transcoder.NewHTTPController(transcoderCfg)
		if err != nil {
			logger.Error("failed to initialise transcode controller", "error", err)
			os.Exit(1)
		}
		handler.Transcoder = controller
	} else {
		logger.Warn("no transcode endpoint configured, dispatch requests will be rejected")
	}

	reaper := api.NewStalledJobReaper(api.StalledJobReaperConfig{
		Store:    store,
		Relay:    queue,
		Metrics:  recorder,
		Interval: resolveDuration(*reaperInterval, "MEDIAFLOW_REAPER_INTERVAL", 0),
		Deadline: resolveDuration(*reaperDeadline, "MEDIAFLOW_REAPER_DEADLINE", 0),
		Logger:   logging.WithComponent(logger, "reaper"),
	})
	reaper.Start()

	srv := server.New(handler, server.Config{
		Addr: listenAddr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "MEDIAFLOW_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "MEDIAFLOW_RATE_GLOBAL_BURST"),
			WebhookLimit:  resolveInt(*webhookRateLimit, "MEDIAFLOW_RATE_WEBHOOK_LIMIT"),
			WebhookWindow: resolveDuration(*webhookRateWindow, "MEDIAFLOW_RATE_WEBHOOK_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("MEDIAFLOW_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("MEDIAFLOW_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "MEDIAFLOW_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("MEDIAFLOW_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Mediaflow API starting", "addr", listenAddr, "mode", serverMode, "storage", driver)
	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("MEDIAFLOW_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("MEDIAFLOW_TLS_KEY"))
	if err := srv.Run(runCtx, tlsCertPath, tlsKeyPath); err != nil {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reaper.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop stalled job reaper", "error", err)
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close job event relay", "error", err)
		}
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if keyCloser != nil {
		if err := keyCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close key store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type keyStoreConfig struct {
	Driver string
	DSN    string
}

func resolveKeyStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string) (keyStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	keyDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case keyDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "", "memory":
		return keyStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if keyDSN == "" {
			keyDSN = strings.TrimSpace(storageDSN)
		}
		if keyDSN == "" {
			return keyStoreConfig{}, fmt.Errorf("postgres key store selected without DSN")
		}
		return keyStoreConfig{Driver: "postgres", DSN: keyDSN}, nil
	default:
		return keyStoreConfig{}, fmt.Errorf("unsupported key store driver %q", driver)
	}
}

func configureRelay(driver string, cfg relay.RedisQueueConfig, logger *slog.Logger) (relay.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(os.Getenv("MEDIAFLOW_RELAY_DRIVER")))
	}
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the job event relay")
		}
		cfg.Logger = logging.WithComponent(logger, "relay")
		return relay.NewRedisQueue(cfg)
	case "", "memory":
		return relay.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported relay driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionDatastore(driver, resolvedPostgresDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/mediaflow.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("MEDIAFLOW_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
