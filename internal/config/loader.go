package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "configs/default.yaml"

var validate = validator.New()

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the --config flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Logging.Level, "DELEGATION_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DELEGATION_LOG_SERVICE")

	setDuration(&cfg.Dispatch.Interval, "DELEGATION_DISPATCH_INTERVAL")
	setFloat64(&cfg.Dispatch.JitterRatio, "DELEGATION_DISPATCH_JITTER")
	setInt(&cfg.Dispatch.Burst, "DELEGATION_DISPATCH_BURST")

	setDuration(&cfg.Triage.Interval, "DELEGATION_TRIAGE_INTERVAL")
	setFloat64(&cfg.Triage.JitterRatio, "DELEGATION_TRIAGE_JITTER")
	setFloat64(&cfg.Triage.BurnThreshold, "DELEGATION_BURN_THRESHOLD")
	setFloat64(&cfg.Triage.LatencyMultiplier, "DELEGATION_LATENCY_MULTIPLIER")
	setBool(&cfg.Triage.AlwaysDeepAnalyze, "DELEGATION_ALWAYS_DEEP_ANALYZE")
	setBool(&cfg.Triage.ModelTriage, "DELEGATION_MODEL_TRIAGE")

	setDuration(&cfg.SLO.Window, "DELEGATION_SLO_WINDOW")
	setFloat64(&cfg.SLO.DefaultErrorBudget, "DELEGATION_SLO_ERROR_BUDGET")

	setBool(&cfg.Queue.EnablePersistence, "DELEGATION_ENABLE_PERSISTENCE")
	setInt(&cfg.Queue.MaxSize, "DELEGATION_QUEUE_MAX_SIZE")
	setInt(&cfg.Queue.MaxAttempts, "DELEGATION_MAX_ATTEMPTS")
	setDuration(&cfg.Queue.RetryBase, "DELEGATION_RETRY_BASE")
	setDuration(&cfg.Queue.RetryCap, "DELEGATION_RETRY_CAP")
	setDuration(&cfg.Queue.SnapshotMinInterval, "DELEGATION_SNAPSHOT_MIN_INTERVAL")

	setString(&cfg.Memory.Backend, "DELEGATION_MEMORY_BACKEND")
	setString(&cfg.Memory.Scope, "DELEGATION_MEMORY_SCOPE")
	setString(&cfg.Memory.WALPath, "DELEGATION_MEMORY_WAL_PATH")
	setString(&cfg.Memory.BadgerDir, "DELEGATION_MEMORY_BADGER_DIR")
	setString(&cfg.Memory.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Memory.Postgres.MaxConns, "DELEGATION_PG_MAX_CONNS")
	setString(&cfg.Memory.HTTP.URL, "MEMORY_SERVER_URL")
	setString(&cfg.Memory.HTTP.APIKey, "MEM0_API_KEY")

	setString(&cfg.Reasoning.Provider, "DELEGATION_REASONING_PROVIDER")
	setString(&cfg.Reasoning.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Reasoning.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Reasoning.Model, "OPENAI_MODEL")
	setFloat64(&cfg.Reasoning.RatePerSecond, "DELEGATION_REASONING_RPS")
	setInt(&cfg.Reasoning.MaxFailures, "DELEGATION_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Reasoning.BreakerReset, "DELEGATION_BREAKER_TIMEOUT")
	setInt64(&cfg.Reasoning.CacheMaxCost, "DELEGATION_REASONING_CACHE_BYTES")

	setString(&cfg.Executor.Kind, "DELEGATION_EXECUTOR")
	setFloat64(&cfg.Executor.FailureRate, "DELEGATION_EXECUTOR_FAILURE_RATE")
	setDuration(&cfg.Executor.MinLatency, "DELEGATION_EXECUTOR_MIN_LATENCY")
	setDuration(&cfg.Executor.MaxLatency, "DELEGATION_EXECUTOR_MAX_LATENCY")

	setBool(&cfg.Monitoring.MetricsEnabled, "DELEGATION_METRICS_ENABLED")
	setInt(&cfg.Monitoring.MetricsPort, "DELEGATION_METRICS_PORT")
	setBool(&cfg.Monitoring.OTelEnabled, "DELEGATION_OTEL_ENABLED")
	setString(&cfg.Monitoring.NATSURL, "NATS_URL")
	setString(&cfg.Monitoring.InfluxURL, "INFLUX_URL")
	setString(&cfg.Monitoring.InfluxToken, "INFLUX_TOKEN")
	setString(&cfg.Monitoring.InfluxOrg, "INFLUX_ORG")
	setString(&cfg.Monitoring.InfluxBucket, "INFLUX_BUCKET")

	setString(&cfg.State.CheckpointPath, "DELEGATION_CHECKPOINT_PATH")
}

// Validate checks struct-tag constraints and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Queue.RetryCap < cfg.Queue.RetryBase {
		return errors.New("queue.retry_cap must be >= queue.retry_base")
	}
	if cfg.Executor.MaxLatency < cfg.Executor.MinLatency {
		return errors.New("executor.max_latency must be >= executor.min_latency")
	}
	switch cfg.Memory.Backend {
	case "wal":
		if cfg.Memory.WALPath == "" {
			return errors.New("memory.wal_path is required for the wal backend")
		}
	case "badger":
		if cfg.Memory.BadgerDir == "" {
			return errors.New("memory.badger_dir is required for the badger backend")
		}
	case "postgres":
		if cfg.Memory.Postgres.DSN == "" {
			return errors.New("memory.postgres.dsn is required for the postgres backend")
		}
	case "http":
		if cfg.Memory.HTTP.URL == "" {
			return errors.New("memory.http.url is required for the http backend")
		}
	}
	if cfg.Executor.Kind == "nats" && cfg.Monitoring.NATSURL == "" {
		return errors.New("monitoring.nats_url is required for the nats executor")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
