package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/store"
	"recruiter-outreach-scheduler/internal/telemetry"
)

// Reconciler recovers sends whose trigger expired while no reactor was listening.
type Reconciler struct {
	delay     *delaystore.Store
	details   store.Details
	deliverer *ScheduleDeliverer
	interval  time.Duration
	grace     time.Duration
	batch     int
	log       zerolog.Logger
	now       func() time.Time
}

// NewReconciler sweeps every interval for SCHEDULED details more than grace past their slot.
func NewReconciler(delay *delaystore.Store, details store.Details, deliverer *ScheduleDeliverer, interval, grace time.Duration, batch int, log zerolog.Logger) *Reconciler {
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		delay:     delay,
		details:   details,
		deliverer: deliverer,
		interval:  interval,
		grace:     grace,
		batch:     batch,
		log:       log.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			r.log.Error().Err(err).Msg("sweep failed")
		} else if n > 0 {
			r.log.Info().Int("recovered", n).Msg("sweep recovered missed sends")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep handles one batch of overdue details and returns how many were re-dispatched.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	overdue, err := r.details.OverdueDetails(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, d := range overdue {
		log := r.log.With().Int64("action_id", d.ActionID).Int64("applicant_id", d.ApplicantID).Logger()
		key := strconv.FormatInt(d.ApplicantID, 10)

		armed, err := r.delay.Exists(ctx, key)
		if err != nil {
			return recovered, err
		}
		if armed {
			continue
		}
		msg, err := r.message(ctx, key, d)
		if err != nil {
			log.Error().Err(err).Msg("rebuild scheduled message")
			continue
		}
		if err := r.deliverer.Deliver(ctx, msg); err != nil {
			log.Error().Err(err).Msg("re-dispatch failed")
			continue
		}
		recovered++
		telemetry.Reconciled.Inc()
	}
	return recovered, nil
}

// message prefers the backup payload and falls back to the event stored on the detail.
func (r *Reconciler) message(ctx context.Context, key string, d models.ActionDetail) (models.ScheduledMessage, error) {
	raw, ok, err := r.delay.Take(ctx, key)
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	if ok {
		msg, err := models.DecodeScheduled(raw)
		if err == nil && msg.ActionID == d.ActionID {
			return msg, nil
		}
		// Not ours; put it back for whoever owns it.
		if serr := r.delay.Set(ctx, delaystore.BackupKey(key), raw); serr != nil {
			return models.ScheduledMessage{}, serr
		}
	}

	if len(d.AdditionalConfig) == 0 {
		return models.ScheduledMessage{}, fmt.Errorf("detail %d has no stored event", d.ID)
	}
	var ev models.Event
	if err := json.Unmarshal(d.AdditionalConfig, &ev); err != nil {
		return models.ScheduledMessage{}, fmt.Errorf("decode stored event: %w", err)
	}
	msg := models.ScheduledMessage{ActionID: d.ActionID, Event: ev}
	if d.ScheduledAt != nil {
		msg.ScheduledAt = d.ScheduledAt.Unix()
	}
	return msg, nil
}
