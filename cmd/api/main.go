package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog/log"

	api "recruiter-outreach-scheduler/internal/api"
	"recruiter-outreach-scheduler/internal/config"
	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/listactions"
	"recruiter-outreach-scheduler/internal/logging"
	"recruiter-outreach-scheduler/internal/observability"
	"recruiter-outreach-scheduler/internal/ratelimit"
	"recruiter-outreach-scheduler/internal/scheduler"
	"recruiter-outreach-scheduler/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty, "api")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, "api")
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}
	defer shutdownTracing(context.Background())

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	schedule := delaystore.New(cfg, cfg.RedisScheduleDB)
	defer schedule.Close()

	sched := scheduler.New(schedule, st, cfg.ScheduleMinWait, cfg.ScheduleMaxWait, logger)
	svc := listactions.New(st, sched, schedule, redislock.New(schedule.Client()), listactions.Options{
		IntroMessage: cfg.IntroMessage,
		BasePath:     cfg.APIBasePath,
		LockTTL:      cfg.ListLockTTL,
	}, logger)
	limiter := ratelimit.NewTokenBucket(schedule.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	server := api.New(cfg.APIBasePath, svc, limiter, st, schedule)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", httpServer.Addr).Str("base_path", cfg.APIBasePath).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
