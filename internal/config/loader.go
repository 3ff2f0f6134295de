package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/pkg/log"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "ROUTEGATE_"

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1048576,
			ShutdownTimeout: 15 * time.Second,
			H2C:             true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
			Mode:    "release",
		},
		Proxy: ProxyConfig{
			ConnectTimeout:        5 * time.Second,
			ResponseHeaderTimeout: 0,
			KeepAliveTimeout:      30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			FlushInterval:         -1,
			MaxRetryBodyBytes:     1 << 20,
			RateLimitIdleTTL:      10 * time.Minute,
		},
		Resilience: ResilienceConfig{
			DefaultTimeout: circuitbreaker.DefaultTimeout,
			CircuitBreaker: circuitbreaker.DefaultConfig(),
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
			MaxAge:         time.Hour,
		},
		Logging: LoggingConfig{
			Level:            "info",
			EnableStacktrace: true,
			AccessLog: AccessLogConfig{
				Enabled:       true,
				SlowThreshold: time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:           true,
			RuntimeCollectors: true,
		},
		Tracing: TracingConfig{
			Enabled: false,
			Jaeger: JaegerConfig{
				Endpoint:    "http://localhost:14268/api/traces",
				ServiceName: "routegate",
				SampleRate:  0.1,
			},
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			Timeout:   3 * time.Second,
			KeyPrefix: "routegate:",
		},
		Events: EventsConfig{
			Driver:  "local",
			Channel: "routegate:events",
		},
		Refresh: RefreshConfig{
			Watch:   true,
			Timeout: 10 * time.Second,
		},
		ConfigSource: ConfigSourceConfig{
			Source: SourceConfig{
				Driver:       "file",
				PollInterval: time.Second,
				File: FileSourceConfig{
					Path:         "routes.yaml",
					PollInterval: time.Second,
				},
				Etcd: EtcdSourceConfig{
					Endpoints: []string{"localhost:2379"},
					Key:       "/routegate/routes",
					Timeout:   5 * time.Second,
				},
			},
		},
	}
}

// Load loads configuration from file with .env and environment variable overrides
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadDotEnv(configFile); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file does not exist: %s", filename)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadDotEnv loads .env from the working directory and from the config
// file's directory. Variables already set in the environment win.
func loadDotEnv(configFile string) error {
	candidates := []string{".env"}
	if configFile != "" {
		if dir := filepath.Dir(configFile); dir != "." {
			candidates = append(candidates, filepath.Join(dir, ".env"))
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return err
		}
		log.Component("config").Debug("loaded environment file", log.String("path", path))
	}
	return nil
}

// loadFromEnv loads configuration from ROUTEGATE_* environment variables
func loadFromEnv(cfg *Config) error {
	if v := env("SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := env("ADMIN_ADDRESS"); v != "" {
		cfg.Admin.Address = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := env("CONFIG_DRIVER"); v != "" {
		cfg.ConfigSource.Source.Driver = v
	}
	if v := env("ROUTES_FILE"); v != "" {
		cfg.ConfigSource.Source.File.Path = v
	}
	if v := env("ETCD_ENDPOINTS"); v != "" {
		cfg.ConfigSource.Source.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := env("ETCD_KEY"); v != "" {
		cfg.ConfigSource.Source.Etcd.Key = v
	}
	if v := env("ETCD_USERNAME"); v != "" {
		cfg.ConfigSource.Source.Etcd.Username = v
	}
	if v := env("ETCD_PASSWORD"); v != "" {
		cfg.ConfigSource.Source.Etcd.Password = v
	}

	if v := env("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Address = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := env("EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := env("INSTANCE_ID"); v != "" {
		cfg.Events.InstanceID = v
	}
	if v := env("REFRESH_SCHEDULE"); v != "" {
		cfg.Refresh.Schedule = v
	}

	if v := env("TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRACING_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Tracing.Enabled = b
	}
	if v := env("JAEGER_ENDPOINT"); v != "" {
		cfg.Tracing.Jaeger.Endpoint = v
	}

	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin address cannot be empty when admin is enabled")
	}

	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}

	if cfg.Resilience.DefaultTimeout <= 0 {
		return fmt.Errorf("resilience default timeout must be positive")
	}
	if err := cfg.Resilience.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("resilience circuit breaker: %w", err)
	}

	switch cfg.Events.Driver {
	case "local":
	case "redis":
		if !cfg.Redis.Enabled {
			return fmt.Errorf("redis event driver requires redis to be enabled")
		}
	default:
		return fmt.Errorf("invalid events driver: %s (valid options: local, redis)", cfg.Events.Driver)
	}

	if cfg.Redis.Enabled && cfg.Redis.Address == "" {
		return fmt.Errorf("redis address cannot be empty")
	}

	return ValidateSourceConfig(cfg)
}
