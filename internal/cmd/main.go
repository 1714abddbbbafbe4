package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/events"
	"github.com/mcdev12/paintbox/internal/gateway"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := setupDatabase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	publisherConfig := events.DefaultNATSPublisherConfig()
	publisherConfig.URL = getEnv("NATS_URL", publisherConfig.URL)
	publisher, err := events.NewNATSPublisher(ctx, publisherConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect event publisher")
	}
	defer publisher.Close()

	services := setupServices(pool, config, publisher)

	consumerConfig := gateway.DefaultJetStreamConsumerConfig()
	consumerConfig.URL = getEnv("NATS_URL", consumerConfig.URL)
	consumer, err := gateway.NewEventConsumer(services.ConnectionManager, consumerConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event consumer")
	}
	defer consumer.Stop()

	if err := services.Canvases.armActiveRounds(ctx); err != nil {
		log.Error().Err(err).Msg("failed to re-arm round alarms")
	}

	go services.ConnectionManager.Start(ctx)
	go services.Batcher.Run(ctx)
	go services.Store.RunJanitor(ctx, time.Minute)
	go func() {
		if err := services.Scheduler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler exited")
		}
	}()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer exited")
		}
	}()

	if err := services.Flusher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start flusher")
	}

	server := setupServer(services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := services.Flusher.Stop(); err != nil {
		log.Error().Err(err).Msg("flusher shutdown failed")
	}

	log.Info().Msg("shutdown complete")
	os.Exit(0)
}
