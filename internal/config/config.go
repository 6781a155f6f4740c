package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Product namespaces everything this system writes outside its own table:
// SSM parameter paths and assume-role session names.
const Product = "lambda-publish"

// Modes for a subscription record.
const (
	ModeDirect   = "direct"
	ModePipeline = "pipeline"
)

// Update strategies for direct-mode targets.
const (
	StrategyPublishAndAlias = "publish-and-alias"
	StrategyPublishOnly     = "publish-only"
	StrategyUpdateOnly      = "update-only"
)

// Store backends.
const (
	StoreDynamoDB = "dynamodb"
	StoreLocal    = "local"
)

// Config holds process-wide settings, read from the environment once at
// startup and treated as immutable. Every field has a default; absent
// variables are not an error.
type Config struct {
	TableName             string
	DefaultMode           string
	DefaultUpdateStrategy string
	MaxParallelTargets    int
	MetricsNamespace      string
	SessionNamePrefix     string
	LogLevel              string
	MonitorInterval       time.Duration
	StoreBackend          string
	LocalStorePath        string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		TableName:             getenv("TABLE_NAME", "ImageTagSubscriptions"),
		DefaultMode:           getenv("DEFAULT_MODE", ModeDirect),
		DefaultUpdateStrategy: getenv("DEFAULT_UPDATE_STRATEGY", StrategyPublishAndAlias),
		MetricsNamespace:      getenv("METRICS_NAMESPACE", "LambdaPublish"),
		SessionNamePrefix:     getenv("ASSUME_ROLE_SESSION_NAME", Product),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		StoreBackend:          getenv("STORE_BACKEND", StoreDynamoDB),
		LocalStorePath:        getenv("LOCAL_STORE_PATH", "/tmp/lambda-publish/subscriptions.sqlite"),
	}

	parallel, err := getenvInt("MAX_PARALLEL_TARGETS", 10)
	if err != nil {
		return nil, err
	}
	if parallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL_TARGETS must be >= 1, got %d", parallel)
	}
	cfg.MaxParallelTargets = parallel

	interval, err := getenvDuration("MONITOR_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.MonitorInterval = interval

	switch cfg.DefaultMode {
	case ModeDirect, ModePipeline:
	default:
		return nil, fmt.Errorf("DEFAULT_MODE must be %q or %q, got %q", ModeDirect, ModePipeline, cfg.DefaultMode)
	}

	switch cfg.DefaultUpdateStrategy {
	case StrategyPublishAndAlias, StrategyPublishOnly, StrategyUpdateOnly:
	default:
		return nil, fmt.Errorf("unknown DEFAULT_UPDATE_STRATEGY %q", cfg.DefaultUpdateStrategy)
	}

	switch cfg.StoreBackend {
	case StoreDynamoDB, StoreLocal:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreDynamoDB, StoreLocal, cfg.StoreBackend)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
