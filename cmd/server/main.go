/*
Package main runs the funding chart backend.

The server ingests presale trade notifications (HTTP, and optionally Kafka),
folds them into OHLC bars of cumulative raised funds, serves historical
ranges at any supported interval, and pushes committed bars to live
subscribers over websocket and a gRPC stream.

Usage:

	go run ./cmd/server -config=config.yaml -env-file=.env

Every setting can also be supplied through the environment; see
internal/config for the keys.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/api"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/cache"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/candles"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/config"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/ingress"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/service"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/storage"
	ws "github.com/LEEJINSOL1/BnbFunDapp/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Command-line flags for locating configuration
var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	envFile    = flag.String("env-file", "", "Path to a .env file (default: ./.env if present)")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := newCacheBackend(ctx, cfg)
	if err != nil {
		return err
	}
	rc := cache.NewReadThrough(backend, cfg.Cache.TTL, m)
	defer rc.Close()

	interval := model.Interval(cfg.BarInterval)
	agg := candles.NewAggregator(store, candles.Config{
		Interval:               interval,
		FutureTolerance:        cfg.FutureTolerance,
		ApplyTimeout:           cfg.ApplyTimeout,
		MaxRetries:             cfg.MaxApplyRetries,
		RequireKnownInstrument: cfg.RequireKnownInstrument,
	}, candles.WithMetrics(m))

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxInstrumentsPerSubscriber: cfg.Fanout.MaxInstrumentsPerSubscriber,
		SubscriberBuffer:            cfg.Fanout.SubscriberBuffer,
		PublishBuffer:               cfg.Fanout.PublishBuffer,
	}, func(ctx context.Context, instrument string) (model.Bar, bool, error) {
		return store.LatestBar(ctx, instrument, interval)
	}, m)

	bars := service.NewBarService(store, agg, rc, dispatcher, m)
	if err := bars.Start(ctx); err != nil {
		return fmt.Errorf("start bar service: %w", err)
	}
	defer bars.Stop()

	hub := ws.NewHub(dispatcher, ws.HubConfig{})
	httpServer := api.NewServer(cfg.HTTPAddr, bars, api.Options{
		WebSocket: hub,
		Metrics:   m.Handler(),
	})

	errCh := make(chan error, 3)
	go func() { errCh <- httpServer.Start() }()

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcServer, healthServer := service.NewGRPCServer(
			service.NewBarStreamService(dispatcher, cfg.Fanout.MaxInstrumentsPerSubscriber))
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server starting")
			errCh <- grpcServer.Serve(lis)
		}()
		defer func() {
			healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			grpcServer.GracefulStop()
		}()
	}

	if cfg.Kafka.Enabled {
		consumer := ingress.NewConsumer(ingress.NewKafkaReader(ingress.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}), bars, m)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("kafka ingress: %w", err)
			}
		}()
	}

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("interval", cfg.BarInterval).
		Str("store", cfg.Store.Backend).
		Str("cache", cfg.Cache.Backend).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("server starting")

	// Set up signal handling for graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("initiating graceful shutdown")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer done()
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return runErr
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Store.Backend != "postgres" {
		log.Warn().Msg("using the in-memory store; bars are lost on restart")
		return storage.NewMemory(), nil
	}

	pg, err := storage.NewPostgres(ctx, cfg.Store.PostgresDSN, storage.PostgresOptions{
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
		LockTimeout:  cfg.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return pg, nil
}

func newCacheBackend(ctx context.Context, cfg config.Config) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "redis":
		rdb, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return rdb, nil
	case "none":
		return nil, nil
	}
	return cache.NewMemory(0), nil
}
