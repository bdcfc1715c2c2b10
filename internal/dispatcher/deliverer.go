package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/store"
	"recruiter-outreach-scheduler/internal/telemetry"
)

var tracer = otel.Tracer("recruiter-outreach-scheduler/dispatcher")

// Repository is the persistence the outbound path touches.
type Repository interface {
	store.Actions
	store.Details
	UpdateApplicantResponse(ctx context.Context, recruiterID, applicantID int64, response string) error
}

// ScheduleDeliverer is the outbound path: a send slot was reached.
type ScheduleDeliverer struct {
	delay    *delaystore.Store
	repo     Repository
	delivery Delivery
	log      zerolog.Logger
}

// NewScheduleDeliverer wires the outbound path.
func NewScheduleDeliverer(delay *delaystore.Store, repo Repository, delivery Delivery, log zerolog.Logger) *ScheduleDeliverer {
	return &ScheduleDeliverer{
		delay:    delay,
		repo:     repo,
		delivery: delivery,
		log:      log.With().Str("component", "schedule_deliverer").Logger(),
	}
}

// Handle consumes the backup payload of an expired trigger and delivers it.
// A missing payload means the send was cancelled or already consumed.
func (d *ScheduleDeliverer) Handle(ctx context.Context, key string) error {
	raw, ok, err := d.delay.Take(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		d.log.Debug().Str("key", key).Msg("no scheduled payload")
		telemetry.DispatchTotal.WithLabelValues("schedule", "skipped").Inc()
		return nil
	}
	msg, err := models.DecodeScheduled(raw)
	if err != nil {
		return fmt.Errorf("key %s: %w", key, err)
	}
	return d.Deliver(ctx, msg)
}

// Deliver runs the status transitions for msg and hands it to the transport.
// Only the caller that moves the detail out of SCHEDULED delivers, so a racing
// cancel or a concurrent sweep never produces a second send.
func (d *ScheduleDeliverer) Deliver(ctx context.Context, msg models.ScheduledMessage) error {
	actionID := msg.ActionID
	applicantID := msg.Event.ReceiverID
	recruiterID := msg.Event.SenderID

	ctx, span := tracer.Start(ctx, "dispatcher.DeliverScheduled", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.Int64("action_id", actionID), attribute.Int64("applicant_id", applicantID))
	log := d.log.With().Int64("action_id", actionID).Int64("applicant_id", applicantID).Logger()

	detail, err := d.repo.GetDetail(ctx, actionID, applicantID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("no detail for scheduled message, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if detail.Status.Terminal() {
		log.Info().Str("status", string(detail.Status)).Msg("detail already resolved, skipping")
		telemetry.DispatchTotal.WithLabelValues("schedule", "skipped").Inc()
		return nil
	}

	if _, err := d.repo.TransitionAction(ctx, actionID,
		[]models.ActionStatus{models.ActionInitiated}, models.ActionInProgress, ""); err != nil {
		return err
	}
	won, err := d.repo.TransitionDetail(ctx, actionID, applicantID,
		[]models.DetailStatus{models.DetailScheduled}, models.DetailCompleted)
	if err != nil {
		return err
	}
	if !won {
		log.Info().Msg("detail resolved concurrently, skipping")
		return nil
	}
	if err := d.completeIfDrained(ctx, actionID); err != nil {
		log.Error().Err(err).Msg("batch completion check failed")
	}

	if err := d.delivery.Deliver(ctx, msg.Event, models.RoutingKey(recruiterID, applicantID)); err != nil {
		telemetry.DeliveryFailures.Inc()
		if _, ferr := d.repo.TransitionDetail(ctx, actionID, applicantID,
			[]models.DetailStatus{models.DetailCompleted}, models.DetailFailed); ferr != nil {
			log.Error().Err(ferr).Msg("mark detail failed")
		}
		return fmt.Errorf("deliver action %d applicant %d: %w", actionID, applicantID, err)
	}

	if msg.Event.Content != "" && recruiterID != applicantID {
		err := d.repo.UpdateApplicantResponse(ctx, recruiterID, applicantID, msg.Event.Content)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("record last response")
		}
	}
	log.Info().Msg("delivered")
	return nil
}

// completeIfDrained closes the action once no detail under it is still SCHEDULED.
func (d *ScheduleDeliverer) completeIfDrained(ctx context.Context, actionID int64) error {
	pending, err := d.repo.CountDetails(ctx, actionID, models.DetailScheduled)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	_, err = d.repo.TransitionAction(ctx, actionID, models.NonTerminalActionStatuses, models.ActionCompleted, "")
	return err
}
