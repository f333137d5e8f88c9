package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
	AMQP      AMQPConfig
}

type APIConfig struct {
	Addr string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type StorageConfig struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type PipelineConfig struct {
	OutputBucket  string
	PixelBudget   int
	Timeout       time.Duration
	ScratchDir    string
	DominantColor bool
}

type RateLimitConfig struct {
	Enabled       bool
	Capacity      int
	Window        time.Duration
	SubjectHeader string
}

type WebhookConfig struct {
	URL            string
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TelemetryConfig struct {
	ServiceName   string
	TraceExporter string
	OTLPEndpoint  string
	OTLPInsecure  bool
}

// AMQPConfig enables consuming MinIO bucket notifications published to a
// RabbitMQ queue. An empty URL disables the consumer.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// Load reads configuration from the environment. A .env file in the
// working directory, when present, fills variables that are not already set.
func Load() Config {
	_ = godotenv.Load()

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr: env("THUMBDATA_API_ADDR", ":8080"),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(env("STORAGE_BACKEND", "minio")),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Region:    env("MINIO_REGION", ""),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Pipeline: PipelineConfig{
			OutputBucket:  env("THUMBDATA_OUTPUT_BUCKET", "thumbdata"),
			PixelBudget:   envInt("THUMBDATA_PIXEL_BUDGET", 2500),
			Timeout:       envDuration("THUMBDATA_TIMEOUT", 2*time.Minute),
			ScratchDir:    env("THUMBDATA_SCRATCH_DIR", os.TempDir()),
			DominantColor: envBool("THUMBDATA_DOMINANT_COLOR", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", true),
			Capacity:      envInt("RATE_LIMIT_CAPACITY", 120),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			SubjectHeader: env("RATE_LIMIT_SUBJECT_HEADER", "X-Forwarded-For"),
		},
		Webhook: WebhookConfig{
			URL:            env("WEBHOOK_URL", ""),
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName:   env("OTEL_SERVICE_NAME", "thumbdata"),
			TraceExporter: env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint:  env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
		AMQP: AMQPConfig{
			URL:      env("AMQP_URL", ""),
			Queue:    env("AMQP_QUEUE", "thumbdata.minio-events"),
			Prefetch: envInt("AMQP_PREFETCH", 4),
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Pipeline.OutputBucket) == "" {
		errs = append(errs, errors.New("THUMBDATA_OUTPUT_BUCKET must not be empty"))
	}
	if c.Pipeline.PixelBudget <= 0 {
		errs = append(errs, fmt.Errorf("THUMBDATA_PIXEL_BUDGET must be positive, got %d", c.Pipeline.PixelBudget))
	}
	if c.Pipeline.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("THUMBDATA_TIMEOUT must be positive, got %s", c.Pipeline.Timeout))
	}
	switch c.Storage.Backend {
	case "minio", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate limit capacity and window must be positive"))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
