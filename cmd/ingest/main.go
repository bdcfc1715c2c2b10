package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"recruiter-outreach-scheduler/internal/buffer"
	"recruiter-outreach-scheduler/internal/config"
	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/ingest"
	"recruiter-outreach-scheduler/internal/logging"
	"recruiter-outreach-scheduler/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty, "ingest")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	publisher, err := transport.Dial(cfg.AMQPURL, cfg.OutboundExchange, cfg.ConversationQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("connect amqp publisher")
	}
	defer publisher.Close()

	consumer, err := transport.NewConsumer(cfg.AMQPURL, cfg.InboundQueue, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("connect amqp consumer")
	}
	defer consumer.Close()

	bufferDB := delaystore.New(cfg, cfg.RedisBufferDB)
	defer bufferDB.Close()

	router := ingest.NewRouter(buffer.New(bufferDB, cfg.BufferTTL), publisher, logger)
	log.Info().Str("queue", cfg.InboundQueue).Dur("buffer_ttl", cfg.BufferTTL).Msg("ingest started")
	if err := consumer.Run(ctx, router.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("ingest stopped")
	}
}
