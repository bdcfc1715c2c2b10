// Package dispatcher consumes delay-store expirations: it flushes inbound
// buffers to the conversation pipeline and delivers scheduled outbound messages.
package dispatcher

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/telemetry"
)

// Delivery hands a rendered event to the WhatsApp transport.
type Delivery interface {
	Deliver(ctx context.Context, ev models.Event, routingKey string) error
}

// Pipeline accepts a coalesced inbound event for intent processing.
type Pipeline interface {
	HandleInbound(ctx context.Context, ev models.Event) error
}

// Source streams expired key names.
type Source interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// HandlerFunc handles one expired key.
type HandlerFunc func(ctx context.Context, key string) error

// Reactor drives one expiration stream. With one worker keys are handled
// strictly one at a time in arrival order.
type Reactor struct {
	queue      string
	source     Source
	handle     HandlerFunc
	workers    int
	backoffMin time.Duration
	backoffMax time.Duration
	log        zerolog.Logger
}

// NewReactor builds a reactor for the named queue.
func NewReactor(queue string, source Source, handle HandlerFunc, workers int, log zerolog.Logger) *Reactor {
	if workers < 1 {
		workers = 1
	}
	return &Reactor{
		queue:      queue,
		source:     source,
		handle:     handle,
		workers:    workers,
		backoffMin: 500 * time.Millisecond,
		backoffMax: 30 * time.Second,
		log:        log.With().Str("queue", queue).Logger(),
	}
}

// Run subscribes and dispatches until ctx is cancelled. A dropped subscription
// is re-established with jittered exponential backoff.
func (r *Reactor) Run(ctx context.Context) error {
	attempt := 0
	for {
		keys, err := r.source.Subscribe(ctx)
		if err == nil {
			attempt = 0
			r.log.Info().Int("workers", r.workers).Msg("listening for expirations")
			r.drain(ctx, keys)
		} else {
			r.log.Error().Err(err).Msg("subscribe failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		wait := backoffWithJitter(r.backoffMin, r.backoffMax, attempt)
		r.log.Warn().Dur("retry_in", wait).Msg("expiration stream lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Reactor) drain(ctx context.Context, keys <-chan string) {
	if r.workers == 1 {
		for key := range keys {
			r.dispatch(ctx, key)
		}
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range keys {
				r.dispatch(ctx, key)
			}
		}()
	}
	wg.Wait()
}

func (r *Reactor) dispatch(ctx context.Context, key string) {
	if delaystore.IsBackupKey(key) {
		return
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := r.handle(ctx, key); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		telemetry.DispatchTotal.WithLabelValues(r.queue, "error").Inc()
		r.log.Error().Err(err).Str("key", key).Msg("dispatch failed")
		return
	}
	telemetry.DispatchTotal.WithLabelValues(r.queue, "ok").Inc()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
