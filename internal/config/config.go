package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional YAML/JSON/TOML file read before the
// environment. Environment variables win over the file.
const ConfigFileEnv = "PIXELPROMPT_CONFIG"

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Editor    EditorConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Trace     TraceConfig
	Kafka     KafkaConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr           string
	PresignTTL     time.Duration
	UserIDHeader   string
	AllowedOrigins []string
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

// RedisOptions is the go-redis view of the same connection, used by the
// rate limiter.
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalInputDir  string
	LocalOutputDir string
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	// An empty DSN selects the in-memory store.
	DSN string
}

type EditorConfig struct {
	MaxImageBytes       int
	MaxInstructionBytes int
	MaxPixels           int
	JPEGQuality         int
	RulesFile           string
}

type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PIXELPROMPT_API_ADDR", ":8080")
	v.SetDefault("PRESIGN_TTL", 15*time.Minute)
	v.SetDefault("USER_ID_HEADER", "X-User-ID")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNC_QUEUE", "default")

	v.SetDefault("WORKER_CONCURRENCY", max(2, runtime.NumCPU()))
	v.SetDefault("WORKER_MAX_ACTIVE_JOBS", max(1, runtime.NumCPU()/2))
	v.SetDefault("WORKER_LOCAL_INPUT_DIR", "./.pixelprompt-input")
	v.SetDefault("WORKER_LOCAL_OUTPUT_DIR", "./.pixelprompt-output")
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "pixelprompt-edits")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("EDITOR_MAX_IMAGE_BYTES", 10<<20)
	v.SetDefault("EDITOR_MAX_INSTRUCTION_BYTES", 2048)
	v.SetDefault("EDITOR_MAX_PIXELS", 50_000_000)
	v.SetDefault("EDITOR_JPEG_QUALITY", 90)
	v.SetDefault("EDITOR_RULES_FILE", "")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_REQUESTS", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)

	v.SetDefault("WEBHOOK_SIGNING_SECRET", "")
	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 4)
	v.SetDefault("WEBHOOK_INITIAL_BACKOFF", time.Second)
	v.SetDefault("WEBHOOK_MAX_BACKOFF", 30*time.Second)

	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("TRACE_OTLP_ENDPOINT", "")
	v.SetDefault("TRACE_OTLP_INSECURE", true)
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "pixelprompt.edits")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads defaults, then the optional config file, then the environment.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		API: APIConfig{
			Addr:           v.GetString("PIXELPROMPT_API_ADDR"),
			PresignTTL:     v.GetDuration("PRESIGN_TTL"),
			UserIDHeader:   v.GetString("USER_ID_HEADER"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
		},
		Worker: WorkerConfig{
			Concurrency:    v.GetInt("WORKER_CONCURRENCY"),
			MaxActiveJobs:  v.GetInt("WORKER_MAX_ACTIVE_JOBS"),
			LocalInputDir:  v.GetString("WORKER_LOCAL_INPUT_DIR"),
			LocalOutputDir: v.GetString("WORKER_LOCAL_OUTPUT_DIR"),
			MetricsAddr:    v.GetString("WORKER_METRICS_ADDR"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("POSTGRES_DSN"),
		},
		Editor: EditorConfig{
			MaxImageBytes:       v.GetInt("EDITOR_MAX_IMAGE_BYTES"),
			MaxInstructionBytes: v.GetInt("EDITOR_MAX_INSTRUCTION_BYTES"),
			MaxPixels:           v.GetInt("EDITOR_MAX_PIXELS"),
			JPEGQuality:         v.GetInt("EDITOR_JPEG_QUALITY"),
			RulesFile:           v.GetString("EDITOR_RULES_FILE"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("RATE_LIMIT_ENABLED"),
			Requests: v.GetInt("RATE_LIMIT_REQUESTS"),
			Window:   v.GetDuration("RATE_LIMIT_WINDOW"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:        v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:    v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("WEBHOOK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("WEBHOOK_MAX_BACKOFF"),
		},
		Trace: TraceConfig{
			Exporter:     v.GetString("TRACE_EXPORTER"),
			OTLPEndpoint: v.GetString("TRACE_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("TRACE_OTLP_INSECURE"),
			SampleRatio:  v.GetFloat64("TRACE_SAMPLE_RATIO"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
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
