package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/sidekick-assembler/internal/config"
	"github.com/namikmesic/sidekick-assembler/internal/jetstream"
	"github.com/namikmesic/sidekick-assembler/internal/livestate"
	"github.com/namikmesic/sidekick-assembler/internal/metrics"
	"github.com/namikmesic/sidekick-assembler/internal/processor"
	"github.com/namikmesic/sidekick-assembler/internal/proxy"
	"github.com/namikmesic/sidekick-assembler/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	natsServer, err := jetstream.NewServer(cfg.NATSStoreDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start embedded NATS")
	}

	nc, err := natsServer.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to embedded NATS")
	}

	js, err := nc.JetStream()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get JetStream context")
	}
	if err := jetstream.EnsureStream(js); err != nil {
		log.Fatal().Err(err).Msg("failed to create JetStream stream")
	}

	reg := metrics.New()
	writer := storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushMs)

	procOpts := []processor.Option{
		processor.WithMetrics(reg),
		processor.WithSSEEvents(cfg.StoreSSEEvents),
	}
	handlerOpts := []proxy.Option{proxy.WithMetricsHandler(reg.Handler())}

	var live *livestate.Store
	if cfg.RedisURL != "" {
		live, err = livestate.NewFromURL(ctx, cfg.RedisURL, cfg.LiveSnapshotTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		procOpts = append(procOpts, processor.WithLiveState(live, cfg.LiveInterval()))
		handlerOpts = append(handlerOpts, proxy.WithLiveReader(live))
		log.Info().Dur("ttl", cfg.LiveSnapshotTTL).Msg("live snapshots enabled")
	}

	proc := processor.New(writer, procOpts...)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		proc.StartConsumer(consumerCtx, js)
	}()

	handler := proxy.NewHandler(cfg, writer, proc, js, handlerOpts...)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("upstream", cfg.AnthropicBaseURL).
			Msg("sidekick proxy started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	consumerCancel()
	<-consumerDone
	nc.Drain()
	natsServer.Shutdown()
	writer.Shutdown()
	if live != nil {
		live.Close()
	}
	log.Info().
		Int64("dropped_jobs", writer.Dropped()).
		Int64("failed_jobs", writer.Failed()).
		Msg("shutdown complete")
}
