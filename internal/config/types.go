package config

import (
	"time"

	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
)

// Config represents the complete gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	CORS         CORSConfig         `yaml:"cors"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Redis        RedisConfig        `yaml:"redis"`
	Events       EventsConfig       `yaml:"events"`
	Refresh      RefreshConfig      `yaml:"refresh"`
	ConfigSource ConfigSourceConfig `yaml:"config"`
}

// ServerConfig represents the proxy listener configuration
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// H2C enables cleartext HTTP/2 on the proxy listener
	H2C bool `yaml:"h2c"`
}

// AdminConfig represents the ops endpoint listener
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// Mode is the gin mode: debug, release or test
	Mode string `yaml:"mode"`
}

// ProxyConfig represents the upstream transport settings
type ProxyConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	KeepAliveTimeout      time.Duration `yaml:"keep_alive_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	FlushInterval         time.Duration `yaml:"flush_interval"`
	// MaxRetryBodyBytes bounds the request body buffered for retries
	MaxRetryBodyBytes int64 `yaml:"max_retry_body_bytes"`
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For
	// header is honoured when resolving the client address
	TrustedProxies []string `yaml:"trusted_proxies"`
	// RateLimitIdleTTL is how long an unused local rate limit bucket is kept
	RateLimitIdleTTL time.Duration `yaml:"rate_limit_idle_ttl"`
}

// ResilienceConfig holds the defaults applied to breakers and time limiters
// that the route document does not configure by name
type ResilienceConfig struct {
	DefaultTimeout time.Duration         `yaml:"default_timeout"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
}

// CORSConfig represents the CORS headers added by the response stage
type CORSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AllowedMethods []string      `yaml:"allowed_methods"`
	AllowedHeaders []string      `yaml:"allowed_headers"`
	ExposedHeaders []string      `yaml:"exposed_headers"`
	MaxAge         time.Duration `yaml:"max_age"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level            string          `yaml:"level"`
	Development      bool            `yaml:"development"`
	EnableCaller     bool            `yaml:"enable_caller"`
	EnableStacktrace bool            `yaml:"enable_stacktrace"`
	AccessLog        AccessLogConfig `yaml:"access_log"`
}

// AccessLogConfig represents the logging stage configuration
type AccessLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	// LogHeaders adds the (masked) request headers to the start event
	LogHeaders bool `yaml:"log_headers"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled           bool              `yaml:"enabled"`
	Namespace         string            `yaml:"namespace"`
	Subsystem         string            `yaml:"subsystem"`
	ConstLabels       map[string]string `yaml:"const_labels"`
	RuntimeCollectors bool              `yaml:"runtime_collectors"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Jaeger  JaegerConfig `yaml:"jaeger"`
}

// JaegerConfig represents Jaeger configuration
type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RedisConfig represents the shared Redis connection
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Timeout   time.Duration `yaml:"timeout"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// EventsConfig represents the event bus settings
type EventsConfig struct {
	// Driver is local or redis
	Driver     string `yaml:"driver"`
	Channel    string `yaml:"channel"`
	InstanceID string `yaml:"instance_id"`
}

// RefreshConfig represents the route refresh triggers
type RefreshConfig struct {
	// Schedule is a cron expression; empty disables scheduled refresh
	Schedule string        `yaml:"schedule"`
	Watch    bool          `yaml:"watch"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TLSConfig represents client TLS settings for etcd
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// ConfigSourceConfig represents the route document source
type ConfigSourceConfig struct {
	Source SourceConfig `yaml:"source"`
}

// SourceConfig represents the configuration source driver settings
type SourceConfig struct {
	Driver       string           `yaml:"driver"` // "file" or "etcd"
	File         FileSourceConfig `yaml:"file"`
	Etcd         EtcdSourceConfig `yaml:"etcd"`
	PollInterval time.Duration    `yaml:"poll_interval"`
}

// FileSourceConfig represents file-based configuration source settings
type FileSourceConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EtcdSourceConfig represents etcd-based configuration source settings
type EtcdSourceConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Key       string        `yaml:"key"`
	Timeout   time.Duration `yaml:"timeout"`
	TLS       TLSConfig     `yaml:"tls"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
}
