package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"recruiter-outreach-scheduler/internal/buffer"
	"recruiter-outreach-scheduler/internal/config"
	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/dispatcher"
	"recruiter-outreach-scheduler/internal/logging"
	"recruiter-outreach-scheduler/internal/observability"
	"recruiter-outreach-scheduler/internal/store"
	"recruiter-outreach-scheduler/internal/telemetry"
	"recruiter-outreach-scheduler/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty, "dispatcher")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, "dispatcher")
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}
	defer shutdownTracing(context.Background())

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	publisher, err := transport.Dial(cfg.AMQPURL, cfg.OutboundExchange, cfg.ConversationQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("connect amqp")
	}
	defer publisher.Close()

	bufferDB := delaystore.New(cfg, cfg.RedisBufferDB)
	defer bufferDB.Close()
	scheduleDB := delaystore.New(cfg, cfg.RedisScheduleDB)
	defer scheduleDB.Close()
	for _, s := range []*delaystore.Store{bufferDB, scheduleDB} {
		if err := s.EnableNotifications(ctx); err != nil {
			log.Warn().Err(err).Int("db", s.DB()).Msg("could not enable keyspace notifications, relying on server config")
		}
	}

	flusher := dispatcher.NewBufferFlusher(buffer.New(bufferDB, cfg.BufferTTL), publisher, publisher, logger)
	deliverer := dispatcher.NewScheduleDeliverer(scheduleDB, st, publisher, logger)
	reconciler := dispatcher.NewReconciler(scheduleDB, st, deliverer,
		cfg.ReconcileInterval, cfg.ReconcileGrace, cfg.ReconcileBatch, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	runners := map[string]func(context.Context) error{
		"buffer":    dispatcher.NewReactor("buffer", bufferDB, flusher.Handle, cfg.DispatchWorkers, logger).Run,
		"schedule":  dispatcher.NewReactor("schedule", scheduleDB, deliverer.Handle, cfg.DispatchWorkers, logger).Run,
		"reconcile": reconciler.Run,
	}
	log.Info().Int("workers", cfg.DispatchWorkers).Dur("reconcile_interval", cfg.ReconcileInterval).Msg("dispatcher started")

	var wg sync.WaitGroup
	for name, run := range runners {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("runner", name).Msg("stopped")
				cancel()
			}
		}(name, run)
	}
	wg.Wait()
}
