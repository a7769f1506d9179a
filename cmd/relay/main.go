// The relay process: one Postgres LISTEN connection forwarded to Redis
// pub/sub. Run exactly one instance per pod instead of having each
// worker hold its own listening connection against the store.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"relay/internal/relay/forward"
	"relay/internal/relay/metrics"
	"relay/internal/relay/pglisten"
	"relay/internal/relay/redisbus"
	"relay/internal/relay/tracing"
)

type Config struct {
	PostgresURL           string        `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/statsboard"`
	RedisURL              string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort           int           `env:"METRICS_PORT" envDefault:"9090"`
	MetricsTimeout        time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`
	TracingServiceName    string        `env:"TRACING_SERVICE_NAME" envDefault:"relay"`
	TracingServiceVersion string        `env:"TRACING_SERVICE_VERSION" envDefault:"1.0.0"`
	OTLPEndpoint          string        `env:"OTLP_ENDPOINT" envDefault:"localhost:4318"`
	TracingSampleRate     float64       `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	registry := metrics.NewRegistry()
	registry.SetSystemInfo("relay", time.Now().Format(time.RFC3339))

	metricsServer := metrics.NewServer(
		metrics.ServerConfig{
			Service: "relay",
			Port:    cfg.MetricsPort,
			Timeout: cfg.MetricsTimeout,
		},
		registry,
		logger,
	)

	tracer, tracingCleanup, err := tracing.NewTracer(tracing.Config{
		ServiceName:    cfg.TracingServiceName,
		ServiceVersion: cfg.TracingServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	source, err := pglisten.New(cfg.PostgresURL, logger)
	if err != nil {
		log.Fatalf("failed to create pg listener: %v", err)
	}

	bus, err := redisbus.New(cfg.RedisURL, registry, logger)
	if err != nil {
		log.Fatalf("failed to create redis bus: %v", err)
	}
	defer bus.Close()

	metricsPublisher := redisbus.NewMetricsPublisher(bus, registry)
	publisher := redisbus.NewTracedPublisher(metricsPublisher, tracer)

	forwarder, err := forward.New(source, publisher, registry, logger)
	if err != nil {
		log.Fatalf("failed to create forwarder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			logger.Info("shutdown signal received", zap.String("signal", s.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting notify relay",
		zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.MetricsPort)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metricsServer.Start(gctx)
	})
	g.Go(func() error {
		return forwarder.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("relay failed", zap.Error(err))
	}

	logger.Info("relay stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.AddCaller())
}
