package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentforge.yaml"

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "AGENTFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTFORGE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Cache.Backend, "AGENTFORGE_CACHE_BACKEND")
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.Bucket, "AGENTFORGE_CACHE_BUCKET")
	setDuration(&cfg.Cache.TTL, "AGENTFORGE_CACHE_TTL")
	setString(&cfg.Bus.Backend, "AGENTFORGE_BUS_BACKEND")
	setString(&cfg.Logging.Level, "AGENTFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTFORGE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "AGENTFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTFORGE_BREAKER_TIMEOUT")

	// Registry
	setDuration(&cfg.Registry.HeartbeatCheckInterval, "AGENTFORGE_HEARTBEAT_CHECK_INTERVAL")
	setDuration(&cfg.Registry.HeartbeatTimeout, "AGENTFORGE_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Registry.SyncInterval, "AGENTFORGE_SYNC_INTERVAL")
	setDuration(&cfg.Registry.StaleSweepInterval, "AGENTFORGE_STALE_SWEEP_INTERVAL")

	// Queue
	setDuration(&cfg.Queue.PollInterval, "AGENTFORGE_QUEUE_POLL_INTERVAL")
	setDuration(&cfg.Queue.BackoffBase, "AGENTFORGE_QUEUE_BACKOFF_BASE")
	setDuration(&cfg.Queue.BackoffCap, "AGENTFORGE_QUEUE_BACKOFF_CAP")
	setDuration(&cfg.Queue.Retention, "AGENTFORGE_QUEUE_RETENTION")
	setDuration(&cfg.Queue.PurgeInterval, "AGENTFORGE_QUEUE_PURGE_INTERVAL")
	setDuration(&cfg.Queue.DefaultTimeout, "AGENTFORGE_QUEUE_DEFAULT_TIMEOUT")
	setInt(&cfg.Queue.DefaultMaxAttempts, "AGENTFORGE_QUEUE_DEFAULT_MAX_ATTEMPTS")

	// Orchestrator
	setInt64(&cfg.Orchestrator.MaxConcurrent, "AGENTFORGE_ORCH_MAX_CONCURRENT")
	setDuration(&cfg.Orchestrator.AssignmentTimeout, "AGENTFORGE_ORCH_ASSIGNMENT_TIMEOUT")
	setDuration(&cfg.Orchestrator.SweepInterval, "AGENTFORGE_ORCH_SWEEP_INTERVAL")

	// Communicator
	setDuration(&cfg.Communicator.ResponseTimeout, "AGENTFORGE_COMM_RESPONSE_TIMEOUT")
	setInt(&cfg.Communicator.MaxSendRetries, "AGENTFORGE_COMM_MAX_SEND_RETRIES")
	setDuration(&cfg.Communicator.HandshakeTimeout, "AGENTFORGE_COMM_HANDSHAKE_TIMEOUT")

	// Telemetry
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	switch cfg.Cache.Backend {
	case "natskv", "redis":
	default:
		return fmt.Errorf("cache.backend must be natskv or redis, got %q", cfg.Cache.Backend)
	}
	switch cfg.Bus.Backend {
	case "nats", "redis":
	default:
		return fmt.Errorf("bus.backend must be nats or redis, got %q", cfg.Bus.Backend)
	}
	if cfg.Bus.Backend == "nats" && cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if (cfg.Bus.Backend == "redis" || cfg.Cache.Backend == "redis") && cfg.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Registry.HeartbeatTimeout <= cfg.Registry.HeartbeatCheckInterval {
		return errors.New("registry.heartbeat_timeout must exceed registry.heartbeat_check_interval")
	}
	if cfg.Orchestrator.MaxConcurrent < 1 {
		return errors.New("orchestrator.max_concurrent must be >= 1")
	}
	if cfg.Queue.DefaultMaxAttempts < 1 {
		return errors.New("queue.default_max_attempts must be >= 1")
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
