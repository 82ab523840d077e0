package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	JobStore    string
	DatabaseURL string
	DBMaxConns  int
	JWTSecret   string

	ObjectStore          string
	StorageBucket        string
	StoragePath          string
	StorageBaseURL       string
	// StorageSigningSecret keys filesystem signed URLs; never shared with
	// the token secrets.
	StorageSigningSecret string
	MinioEndpoint        string
	MinioAccessKey       string
	MinioSecretKey       string
	MinioUseSSL          bool
	MinioRegion          string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	TaskQueueKey      string
	TaskDedupTTL      time.Duration
	WorkerSecret      string
	WorkerCallbackURL string
	CallbackTokenTTL  time.Duration
	RelayConcurrency  int
	RelayRatePerSec   float64
	RelayMaxAttempts  int
	RelayID           string
	RelayHeartbeatTTL time.Duration

	VeoAuth                string
	VeoBaseURL             string
	VeoAPIKey              string
	VeoModel               string
	VeoProject             string
	VeoLocation            string
	GenerationOutputURI    string
	GenerationPollInterval time.Duration
	GenerationPollMax      time.Duration
	GenerationTimeout      time.Duration

	FFmpegPath  string
	FFprobePath string
	WorkDir     string
	ClipSeconds float64
	OutputFPS   int

	FailedJobPolicy      string
	SignedURLTTL         time.Duration
	StaleProcessingAfter time.Duration
	ReaperSchedule       string

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	bucket := getEnv("STORAGE_BUCKET", "manifest-me-videos")
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        port,
		JobStore:    strings.ToLower(getEnv("JOB_STORE", "postgres")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		ObjectStore:          strings.ToLower(getEnv("OBJECT_STORE", "minio")),
		StorageBucket:        bucket,
		StoragePath:          getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:       getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		StorageSigningSecret: os.Getenv("STORAGE_SIGNING_SECRET"),
		MinioEndpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:       getEnv("MINIO_ACCESS_KEY", "minio"),
		MinioSecretKey:       getEnv("MINIO_SECRET_KEY", "minio123"),
		MinioUseSSL:          getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:          os.Getenv("MINIO_REGION"),

		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		TaskQueueKey:      getEnv("TASK_QUEUE_KEY", "manifest:tasks"),
		TaskDedupTTL:      getEnvDuration("TASK_DEDUP_TTL", 24*time.Hour),
		WorkerSecret:      os.Getenv("WORKER_SECRET"),
		WorkerCallbackURL: getEnv("WORKER_CALLBACK_URL", "http://localhost:"+port+"/v1/worker/callback"),
		CallbackTokenTTL:  getEnvDuration("CALLBACK_TOKEN_TTL", 24*time.Hour),
		RelayConcurrency:  getEnvInt("RELAY_CONCURRENCY", 4),
		RelayRatePerSec:   getEnvFloat("RELAY_RATE_PER_SEC", 5),
		RelayMaxAttempts:  getEnvInt("RELAY_MAX_ATTEMPTS", 5),
		RelayID:           os.Getenv("RELAY_ID"),
		RelayHeartbeatTTL: getEnvDuration("RELAY_HEARTBEAT_TTL", 30*time.Second),

		VeoAuth:                strings.ToLower(getEnv("VEO_AUTH", "auto")),
		VeoBaseURL:             os.Getenv("VEO_BASE_URL"),
		VeoAPIKey:              strings.TrimSpace(os.Getenv("VEO_API_KEY")),
		VeoModel:               getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		VeoProject:             getEnv("VEO_PROJECT", "manifest-me-app"),
		VeoLocation:            getEnv("VEO_LOCATION", "us-central1"),
		GenerationOutputURI:    getEnv("GENERATION_OUTPUT_URI", "gs://"+bucket),
		GenerationPollInterval: getEnvDuration("GENERATION_POLL_INTERVAL", 10*time.Second),
		GenerationPollMax:      getEnvDuration("GENERATION_POLL_MAX_INTERVAL", time.Minute),
		GenerationTimeout:      getEnvDuration("GENERATION_TIMEOUT", 10*time.Minute),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		WorkDir:     getEnv("WORK_DIR", os.TempDir()),
		ClipSeconds: getEnvFloat("CLIP_SECONDS", 6),
		OutputFPS:   getEnvInt("OUTPUT_FPS", 24),

		FailedJobPolicy:      strings.ToLower(getEnv("FAILED_JOB_POLICY", "terminal")),
		SignedURLTTL:         getEnvDuration("SIGNED_URL_TTL", time.Hour),
		StaleProcessingAfter: getEnvDuration("STALE_PROCESSING_AFTER", 30*time.Minute),
		ReaperSchedule:       getEnv("REAPER_SCHEDULE", "@every 5m"),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.JobStore != "postgres" && cfg.JobStore != "memory" {
		return nil, fmt.Errorf("JOB_STORE must be postgres or memory, got %q", cfg.JobStore)
	}
	if cfg.JobStore == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ObjectStore != "minio" && cfg.ObjectStore != "filesystem" {
		return nil, fmt.Errorf("OBJECT_STORE must be minio or filesystem, got %q", cfg.ObjectStore)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WorkerSecret == "" {
		return nil, fmt.Errorf("WORKER_SECRET is required")
	}
	if cfg.ObjectStore == "filesystem" {
		switch cfg.StorageSigningSecret {
		case "":
			return nil, fmt.Errorf("STORAGE_SIGNING_SECRET is required for the filesystem store")
		case cfg.JWTSecret, cfg.WorkerSecret:
			return nil, fmt.Errorf("STORAGE_SIGNING_SECRET must differ from JWT_SECRET and WORKER_SECRET")
		}
	}
	switch cfg.VeoAuth {
	case "auto", "api_key", "adc":
	default:
		return nil, fmt.Errorf("VEO_AUTH must be auto, api_key or adc, got %q", cfg.VeoAuth)
	}
	if cfg.FailedJobPolicy != "terminal" && cfg.FailedJobPolicy != "retry" {
		return nil, fmt.Errorf("FAILED_JOB_POLICY must be terminal or retry, got %q", cfg.FailedJobPolicy)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
