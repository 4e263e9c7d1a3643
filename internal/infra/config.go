package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv          string `env:"APP_ENV, default=development"`
	Port            string `env:"PORT, default=8080"`
	DatabaseURL     string `env:"DATABASE_URL"`
	JWTSecret       string `env:"JWT_SECRET"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RateLimitPerMin int    `env:"RATE_LIMIT_PER_MINUTE, default=30"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS, default=http://localhost:3000"`

	HTTP     HTTPConfig     `env:",prefix=HTTP_"`
	Storage  StorageConfig  `env:",prefix=STORAGE_"`
	Qwen     QwenConfig     `env:",prefix=QWEN_"`
	Poller   PollerConfig   `env:",prefix=POLLER_"`
	Billing  BillingConfig  `env:",prefix=BILLING_"`
	Pipeline PipelineConfig `env:",prefix=PIPELINE_"`
}

type HTTPConfig struct {
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=0s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=60s"`
}

// StorageConfig selects the artifact store. Driver is "file" or "s3".
type StorageConfig struct {
	Driver    string `env:"DRIVER, default=file"`
	BasePath  string `env:"BASE_PATH, default=./data/artifacts"`
	BaseURL   string `env:"BASE_URL"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Bucket    string `env:"S3_BUCKET, default=comics"`
	UseSSL    bool   `env:"S3_USE_SSL, default=false"`
}

// QwenConfig configures the DashScope job client. An empty APIKey selects
// the synthetic client.
type QwenConfig struct {
	APIKey  string `env:"API_KEY"`
	BaseURL string `env:"BASE_URL"`
	Model   string `env:"MODEL"`
	Size    string `env:"SIZE"`
}

type PollerConfig struct {
	Interval           time.Duration `env:"INTERVAL, default=1s"`
	Timeout            time.Duration `env:"TIMEOUT, default=5m"`
	MaxTransportErrors int           `env:"MAX_TRANSPORT_ERRORS, default=5"`
	BackoffStart       time.Duration `env:"BACKOFF_START, default=1s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX, default=10s"`
}

type BillingConfig struct {
	SceneCost int `env:"SCENE_COST, default=1"`
	ImageCost int `env:"IMAGE_COST, default=1"`
	RetryCost int `env:"RETRY_COST, default=1"`
}

type PipelineConfig struct {
	MaxScenes int `env:"MAX_SCENES, default=12"`
	Workers   int `env:"WORKERS, default=8"`
	CacheSize int `env:"CACHE_SIZE, default=256"`
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig(ctx context.Context) (*Config, error) {
	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Storage.BaseURL == "" {
		cfg.Storage.BaseURL = fmt.Sprintf("http://localhost:%s/static", cfg.Port)
	}
	switch cfg.Storage.Driver {
	case "file", "s3":
	default:
		return nil, fmt.Errorf("STORAGE_DRIVER %q is not supported", cfg.Storage.Driver)
	}

	return &cfg, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
