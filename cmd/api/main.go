package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"manifestme/internal/adapter/repo"
	"manifestme/internal/compose"
	"manifestme/internal/dispatch"
	"manifestme/internal/domain"
	"manifestme/internal/http/handlers"
	"manifestme/internal/http/httpapi"
	"manifestme/internal/infra"
	"manifestme/internal/infra/credentials"
	"manifestme/internal/manifest"
	"manifestme/internal/pipeline"
	"manifestme/internal/providers/video"
	"manifestme/internal/queue"
	"manifestme/internal/storage"
	"manifestme/internal/worker"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, err := openJobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: job store unavailable")
	}
	defer js.close()
	jobs := js.repo
	checks := map[string]handlers.HealthCheck{}
	if js.ping != nil {
		checks["database"] = js.ping
	}

	store, static, err := openObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: object store unavailable")
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: task queue unavailable")
	}
	defer rdb.Close()
	checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	dispatcher := dispatch.NewDispatcher(
		queue.NewRedisQueue(rdb, cfg.TaskQueueKey, cfg.TaskDedupTTL),
		cfg.WorkerCallbackURL, cfg.WorkerSecret, cfg.CallbackTokenTTL,
	)

	veoOpts := video.VeoOptions{
		BaseURL:  cfg.VeoBaseURL,
		Project:  cfg.VeoProject,
		Location: cfg.VeoLocation,
		Model:    cfg.VeoModel,
		Logger:   &logger,
	}
	if cfg.VeoAuth != "adc" {
		veoOpts.APIKey = cfg.VeoAPIKey
		if js.sql != nil {
			veoOpts.APIKey = resolveVeoKey(ctx, credentials.NewStore(js.sql), cfg.VeoAPIKey, logger)
		}
	}
	if cfg.VeoAuth == "adc" || (cfg.VeoAuth == "auto" && veoOpts.APIKey == "") {
		veoOpts.TokenSource = defaultTokenSource(ctx, logger)
	}
	veo := video.NewVeoClient(veoOpts)
	if !veo.HasCredentials() {
		logger.Warn().Msg("api: no Veo API key or Google credentials, every job will use the fallback clip")
	}
	orchestrator := pipeline.NewOrchestrator(store, veo, compose.NewComposer(compose.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		ClipSeconds: cfg.ClipSeconds,
		FPS:         cfg.OutputFPS,
		Logger:      &logger,
	}), pipeline.Options{
		WorkDir:         cfg.WorkDir,
		OutputURIBase:   cfg.GenerationOutputURI,
		PollInterval:    cfg.GenerationPollInterval,
		PollMaxInterval: cfg.GenerationPollMax,
		Timeout:         cfg.GenerationTimeout,
		Logger:          &logger,
	})

	policy, err := worker.ParseFailedPolicy(cfg.FailedJobPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: invalid failed job policy")
	}
	claimer := worker.NewClaimer(jobs, orchestrator, cfg.WorkerSecret, policy, &logger)

	reaper := worker.NewReaper(jobs, cfg.StaleProcessingAfter, &logger)
	if err := reaper.Start(cfg.ReaperSchedule); err != nil {
		logger.Fatal().Err(err).Msg("api: reaper schedule")
	}
	defer func() { <-reaper.Stop().Done() }()

	app := handlers.NewApp(manifest.NewService(jobs, dispatcher, store, cfg.SignedURLTTL, &logger), claimer, &logger)
	app.Checks = checks
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Static:          static,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)
	logger.Info().
		Str("addr", server.Addr()).
		Str("job_store", cfg.JobStore).
		Str("object_store", cfg.ObjectStore).
		Str("failed_policy", string(policy)).
		Msg("api: listening")
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("api: server stopped with error")
		return
	}
	logger.Info().Msg("api: stopped")
}

// jobStore bundles the configured repository with its database handles,
// which are nil for the in-memory store.
type jobStore struct {
	repo  domain.JobRepository
	sql   infra.SQLExecutor
	ping  handlers.HealthCheck
	close func()
}

func openJobStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (jobStore, error) {
	if cfg.JobStore == "memory" {
		logger.Warn().Msg("api: using in-memory job store, jobs are lost on restart")
		return jobStore{repo: repo.NewMemoryJobRepository(), close: func() {}}, nil
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return jobStore{}, err
	}
	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	if err := jobs.EnsureSchema(ctx); err != nil {
		pool.Close()
		return jobStore{}, err
	}
	return jobStore{repo: jobs, sql: runner, ping: pool.Ping, close: pool.Close}, nil
}

func resolveVeoKey(ctx context.Context, creds *credentials.Store, configured string, logger infra.Logger) string {
	if err := creds.EnsureSchema(ctx); err != nil {
		logger.Warn().Err(err).Msg("api: provider credentials unavailable")
		return configured
	}
	key, err := creds.ResolveAPIKey(ctx, credentials.ProviderVeo, configured)
	if err != nil {
		logger.Warn().Err(err).Msg("api: failed to load veo api key from store")
		return configured
	}
	return key
}

// defaultTokenSource finds Application Default Credentials; nil when none
// are available.
func defaultTokenSource(ctx context.Context, logger infra.Logger) oauth2.TokenSource {
	creds, err := google.FindDefaultCredentials(ctx, video.CloudPlatformScope)
	if err != nil {
		logger.Warn().Err(err).Msg("api: google default credentials unavailable")
		return nil
	}
	return creds.TokenSource
}

// openObjectStore returns the configured store and, for the filesystem
// store, the handler serving its signed URLs.
func openObjectStore(ctx context.Context, cfg *infra.Config) (storage.ObjectStore, http.Handler, error) {
	switch cfg.ObjectStore {
	case "filesystem":
		root := cfg.StoragePath
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		fs, err := storage.NewFileStore(root, cfg.StorageBaseURL, []byte(cfg.StorageSigningSecret))
		if err != nil {
			return nil, nil, err
		}
		return fs, fs.Handler(), nil
	case "minio":
		ms, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
			Bucket:    cfg.StorageBucket,
		})
		if err != nil {
			return nil, nil, err
		}
		return ms, nil, nil
	default:
		return nil, nil, errors.New("unknown object store " + cfg.ObjectStore)
	}
}
