package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-duel/internal/api"
	"github.com/felipepmaragno/llm-duel/internal/catalog"
	"github.com/felipepmaragno/llm-duel/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-duel/internal/config"
	"github.com/felipepmaragno/llm-duel/internal/cost"
	"github.com/felipepmaragno/llm-duel/internal/crypto"
	"github.com/felipepmaragno/llm-duel/internal/dispatch"
	"github.com/felipepmaragno/llm-duel/internal/httputil"
	"github.com/felipepmaragno/llm-duel/internal/metrics"
	"github.com/felipepmaragno/llm-duel/internal/notifications"
	"github.com/felipepmaragno/llm-duel/internal/provider"
	"github.com/felipepmaragno/llm-duel/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-duel/internal/provider/bedrock"
	"github.com/felipepmaragno/llm-duel/internal/provider/google"
	"github.com/felipepmaragno/llm-duel/internal/provider/ollama"
	"github.com/felipepmaragno/llm-duel/internal/provider/openai"
	"github.com/felipepmaragno/llm-duel/internal/queue"
	"github.com/felipepmaragno/llm-duel/internal/ratelimit"
	"github.com/felipepmaragno/llm-duel/internal/registry"
	"github.com/felipepmaragno/llm-duel/internal/repository"
	"github.com/felipepmaragno/llm-duel/internal/secrets"
	"github.com/felipepmaragno/llm-duel/internal/telemetry"
)

const serviceName = "llm-duel"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting LLM Duel", "addr", cfg.Addr, "version", cfg.Version, "store", cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, serviceName, cfg.Version, cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdown(context.Background())
		slog.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}
	metrics.InitInstanceMetrics(cfg.Instance, cfg.Version)

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	calc := cost.NewCalculator()
	slog.Info("catalog loaded", "providers", len(cat.Providers()), "priced_models", cat.ApplyPricing(calc))

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	runtimeKeys, credentials, err := buildCredentials(ctx, cfg)
	if err != nil {
		return err
	}

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}

	reg, ollamaClient, err := buildRegistry(ctx, cfg, credentials, calc)
	if err != nil {
		return err
	}
	if cfg.Providers["ollama"].BaseURL != "" {
		checkers = append(checkers, api.CheckFunc{CheckName: "ollama", Fn: ollamaClient.HealthCheck})
	}
	mergeOllamaModels(ctx, ollamaClient, cat)

	var notifier notifications.Notifier = notifications.NewLogNotifier(slog.Default())
	if cfg.SNSTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			return fmt.Errorf("create sns notifier: %w", err)
		}
		slog.Info("publishing notifications to sns", "topic", cfg.SNSTopicARN)
	}

	cbOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithListener(dispatch.BreakerListener(notifier, slog.Default())),
	}
	if cfg.UseDistributedCircuitBreaker {
		cbOpts = append(cbOpts, circuitbreaker.WithFactory(circuitbreaker.RedisFactory(redisClient)))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), cbOpts...)

	store, storeChecker, closeStore, err := buildStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeStore()
	if storeChecker != nil {
		checkers = append(checkers, storeChecker)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Registry:    reg,
		Breakers:    breakers,
		CallTimeout: cfg.CallTimeout,
	})

	var rateLimiter ratelimit.RateLimiter
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedisRateLimiter(redisClient)
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var jobs queue.Queue
	if cfg.SQSRequestQueueURL != "" {
		jobs, err = queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SQSRequestQueueURL, cfg.SQSResponseQueueURL)
		if err != nil {
			return fmt.Errorf("create sqs queue: %w", err)
		}
		slog.Info("using sqs queue", "request_queue", cfg.SQSRequestQueueURL)
	} else {
		jobs = queue.NewInMemoryQueue()
	}

	worker := queue.NewWorker(queue.WorkerConfig{
		Queue:    jobs,
		Comparer: dispatcher,
		Store:    store,
		Notifier: notifier,
	})
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx)
	}()

	handler := api.NewHandler(api.HandlerConfig{
		Comparer:          dispatcher,
		Store:             store,
		Providers:         reg,
		Catalog:           cat,
		Credentials:       credentials,
		Keys:              runtimeKeys,
		KeysAPIEnabled:    cfg.KeysAPIEnabled,
		Queue:             jobs,
		RateLimiter:       rateLimiter,
		RateLimitRPM:      cfg.RateLimitRPM,
		TrustForwardedFor: cfg.TrustForwardedFor,
		Breakers:          breakers,
		Checkers:          checkers,
		Version:           cfg.Version,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// A comparison waits for its slowest vendor.
		WriteTimeout: callBudget(cfg.CallTimeout) + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr, "providers", reg.List())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stopWorker()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopWorker()
	select {
	case <-workerDone:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("worker did not drain in time", "timeout", cfg.DrainTimeout)
	}

	slog.Info("server stopped")
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler).With("service", serviceName))
}

func callBudget(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return dispatch.DefaultCallTimeout
	}
	return timeout
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

// buildCredentials chains runtime keys, configured keys and, when a prefix is
// set, AWS Secrets Manager, in that order.
func buildCredentials(ctx context.Context, cfg *config.Config) (*secrets.MemoryStore, secrets.Chain, error) {
	var (
		enc *crypto.Encryptor
		err error
	)
	if cfg.EncryptionKey != "" {
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
	} else {
		enc, err = crypto.NewRandomEncryptor()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create encryptor: %w", err)
	}

	runtimeKeys := secrets.NewMemoryStore(enc)
	chain := secrets.Chain{runtimeKeys, secrets.NewStaticStore(cfg.APIKeys())}

	if cfg.AWSSecretsPrefix != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion, cfg.AWSSecretsPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("create secrets manager: %w", err)
		}
		chain = append(chain, sm)
		slog.Info("reading credentials from secrets manager", "prefix", cfg.AWSSecretsPrefix)
	}

	return runtimeKeys, chain, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config, credentials secrets.Store, calc *cost.Calculator) (*registry.Registry, *ollama.Provider, error) {
	client := httputil.DefaultClient()
	reg := registry.New()

	register := func(id string, gen provider.TextGenerator, creds provider.CredentialStore) {
		reg.Register(provider.NewAdapter(provider.AdapterConfig{
			Name:        id,
			Client:      gen,
			Credentials: creds,
			Cost:        calc,
		}))
		slog.Info("registered provider", "provider", id, "keyless", creds == nil)
	}

	register("openai", openai.New(cfg.BaseURL("openai", openai.DefaultBaseURL), client), credentials)
	register("anthropic", anthropic.New(cfg.BaseURL("anthropic", anthropic.DefaultBaseURL), client), credentials)
	register("google", google.New(cfg.BaseURL("google", google.DefaultBaseURL), client), credentials)
	for _, id := range []string{"mistral", "deepseek", "xai", "maritaca"} {
		register(id, openai.NewCompatible(id, cfg.BaseURL(id, openai.CompatibleBaseURLs[id]), client), credentials)
	}

	ollamaClient := ollama.New(cfg.BaseURL("ollama", ollama.DefaultBaseURL), client)
	register("ollama", ollamaClient, nil)

	if cfg.BedrockEnabled {
		br, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, nil, fmt.Errorf("create bedrock client: %w", err)
		}
		register("bedrock", br, nil)
	}

	return reg, ollamaClient, nil
}

// mergeOllamaModels adds the locally pulled models to the catalog. A server
// that is not running is not an error.
func mergeOllamaModels(ctx context.Context, client *ollama.Provider, cat *catalog.Catalog) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	models, err := client.Models(ctx)
	if err != nil {
		slog.Debug("ollama models unavailable", "error", err)
		return
	}
	if added := cat.MergeModels("ollama", models); added > 0 {
		slog.Info("discovered ollama models", "added", added)
	}
}

// buildStore opens the comparison store named by STORE_BACKEND. The returned
// checker is nil when the backend has nothing to ping.
func buildStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (repository.ComparisonRepository, api.HealthChecker, func(), error) {
	noop := func() {}

	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		repo := repository.NewPostgresComparisonRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, noop, fmt.Errorf("postgres schema: %w", err)
		}
		return repository.Instrumented(repo), api.NewSQLHealthChecker("postgres", db), func() { db.Close() }, nil

	case "sqlite":
		db, err := repository.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return nil, nil, noop, err
		}
		repo, err := repository.NewSQLiteComparisonRepository(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, noop, err
		}
		return repository.Instrumented(repo), api.NewSQLHealthChecker("sqlite", db), func() { db.Close() }, nil

	case "redis":
		return repository.Instrumented(repository.NewRedisComparisonRepository(redisClient, "")), nil, noop, nil

	default:
		return repository.Instrumented(repository.NewInMemoryComparisonRepository()), nil, noop, nil
	}
}
