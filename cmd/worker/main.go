// A worker process: accepts WebSocket streaming clients, dispatches
// change events to them from the shared message bus, and falls back to a
// private upstream subscription when the bus is unreachable — without
// dropping connected sessions.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"relay/internal/gateway"
	"relay/internal/relay"
	"relay/internal/relay/conn"
	"relay/internal/relay/failover"
	"relay/internal/relay/metrics"
	"relay/internal/relay/pglisten"
	"relay/internal/relay/redisbus"
)

type Config struct {
	BusMode        bool          `env:"BUS_MODE" envDefault:"true"`
	PostgresURL    string        `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/statsboard"`
	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort    int           `env:"METRICS_PORT" envDefault:"9091"`
	MetricsTimeout time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`
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
	registry.SetSystemInfo("worker", time.Now().Format(time.RFC3339))

	metricsServer := metrics.NewServer(
		metrics.ServerConfig{
			Service: "worker",
			Port:    cfg.MetricsPort,
			Timeout: cfg.MetricsTimeout,
		},
		registry,
		logger,
	)

	manager, err := conn.NewManager(registry, logger)
	if err != nil {
		log.Fatalf("failed to create connection manager: %v", err)
	}

	var bus relay.Bus
	if cfg.BusMode {
		b, err := redisbus.New(cfg.RedisURL, registry, logger)
		if err != nil {
			log.Fatalf("failed to create redis bus: %v", err)
		}
		defer b.Close()
		bus = b
	}

	newSource := func() (relay.Source, error) {
		return pglisten.New(cfg.PostgresURL, logger)
	}

	controller, err := failover.New(
		bus,
		newSource,
		manager.HandleEvent,
		registry,
		logger,
		failover.Config{BusMode: cfg.BusMode},
	)
	if err != nil {
		log.Fatalf("failed to create failover controller: %v", err)
	}

	gw, err := gateway.New(manager, logger)
	if err != nil {
		log.Fatalf("failed to create gateway: %v", err)
	}

	router := chi.NewRouter()
	router.Mount("/", gw.Router())

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
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

	logger.Info("starting worker",
		zap.Bool("bus_mode", cfg.BusMode),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.MetricsPort)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metricsServer.Start(gctx)
	})
	g.Go(func() error {
		return controller.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	manager.Close()

	if err != nil && ctx.Err() == nil {
		logger.Fatal("worker failed", zap.Error(err))
	}

	logger.Info("worker stopped")
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
