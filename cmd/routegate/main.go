package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/controller"
	"github.com/songzhibin97/routegate/internal/events"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/log/driver/stdout"
	"github.com/songzhibin97/routegate/internal/metrics/driver/prometheus"
	"github.com/songzhibin97/routegate/internal/proxy"
	"github.com/songzhibin97/routegate/internal/ratelimit"
	"github.com/songzhibin97/routegate/internal/refresh"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/internal/tracing"
	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

var (
	configFile  = flag.String("config", "routegate.yaml", "Configuration file path")
	showVersion = flag.Bool("version", false, "Show version information")
)

// Version information, set with -ldflags
var (
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("RouteGate %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	log.SetDefault(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("gateway exited with error", log.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*stdout.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	lc := stdout.DefaultConfig()
	lc.Level = level
	lc.Development = cfg.Development
	lc.EnableCaller = cfg.EnableCaller
	lc.EnableStacktrace = cfg.EnableStacktrace
	return stdout.New(lc)
}

// run wires every component and blocks until ctx is cancelled or a listener
// fails.
func run(ctx context.Context, cfg *config.Config) error {
	logger := log.Component("main")

	tracer, err := tracing.NewTracerProvider(cfg.Tracing, tracing.WithServiceVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create tracer provider: %w", err)
	}

	var provider metrics.Provider
	if cfg.Metrics.Enabled {
		provider, err = prometheus.NewProvider(prometheus.Options{
			Namespace:         cfg.Metrics.Namespace,
			Subsystem:         cfg.Metrics.Subsystem,
			ConstLabels:       cfg.Metrics.ConstLabels,
			RuntimeCollectors: cfg.Metrics.RuntimeCollectors,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics provider: %w", err)
		}
	}

	instance := cfg.Events.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
	}

	bus, closeBus, err := newEventBus(ctx, cfg.Events, redisClient, instance)
	if err != nil {
		return err
	}
	defer closeBus()

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithDefaultConfig(cfg.Resilience.CircuitBreaker),
		circuitbreaker.WithDefaultTimeout(cfg.Resilience.DefaultTimeout),
	)
	circuitEvents := events.NewCircuitPublisher(bus, instance, 0)
	defer circuitEvents.Close()
	breakers.OnStateChange(circuitEvents.Listener())
	if provider != nil {
		gauge, err := provider.NewGaugeVec(metrics.MetricOptions{
			Name:   "gateway_circuit_breaker_state",
			Help:   "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			Labels: []string{"name"},
		})
		if err != nil {
			return fmt.Errorf("failed to register breaker state gauge: %w", err)
		}
		breakers.OnStateChange(circuitbreaker.StateGauge(gauge))
	}

	table := router.NewTable()

	var redisLimiter ratelimit.Limiter
	if redisClient != nil {
		redisLimiter = ratelimit.NewRedisLimiter(redisClient, ratelimit.WithKeyPrefix(cfg.Redis.KeyPrefix+"ratelimit:"))
	}
	limiters := ratelimit.NewStores(ratelimit.NewLocalLimiter(ratelimit.WithIdleTTL(cfg.Proxy.RateLimitIdleTTL)), redisLimiter)

	source, err := config.CreateConfigSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to create configuration source: %w", err)
	}
	defer source.Close()

	refresher := refresh.NewService(source, table, breakers, bus, cfg.Refresh,
		refresh.WithInstanceID(instance),
		refresh.WithMetrics(provider),
	)
	if err := refresher.Load(ctx); err != nil {
		return fmt.Errorf("failed to load routes from %s: %w", source.Name(), err)
	}
	if err := refresher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start refresh service: %w", err)
	}
	defer refresher.Stop()

	pipeline, err := proxy.NewPipeline(cfg, proxy.Dependencies{
		Table:    table,
		Breakers: breakers,
		Limiters: limiters,
		Metrics:  provider,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	server := proxy.NewServer(cfg.Server, pipeline)

	var admin *controller.Server
	if cfg.Admin.Enabled {
		admin, err = controller.NewServer(cfg.Admin, controller.Dependencies{
			Table:     table,
			Breakers:  breakers,
			Refresher: refresher,
			Metrics:   provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin server: %w", err)
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	if admin != nil {
		go func() { errCh <- admin.Start() }()
	}

	logger.Info("routegate started",
		log.String("version", Version),
		log.String("instance", instance),
		log.String("address", cfg.Server.Address),
		log.Int("routes", refresher.EnabledRouteCount()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr == nil {
			runErr = errors.New("listener stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy server forced to shutdown", log.Error(err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server forced to shutdown", log.Error(err))
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown tracer", log.Error(err))
	}

	logger.Info("routegate stopped")
	return runErr
}

// newEventBus returns the configured bus and a function releasing it
func newEventBus(ctx context.Context, cfg config.EventsConfig, client *redis.Client, instance string) (events.Bus, func(), error) {
	local := events.NewLocalBus()
	if cfg.Driver != "redis" {
		return local, func() {}, nil
	}

	bus := events.NewRedisBus(local, client, cfg.Channel, instance)
	if err := bus.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start redis event bus: %w", err)
	}
	return bus, func() {
		if err := bus.Close(); err != nil {
			log.Component("main").Warn("failed to close event bus", log.Error(err))
		}
	}, nil
}

func shutdownTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 30 * time.Second
}
