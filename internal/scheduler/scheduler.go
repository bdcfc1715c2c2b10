// Package scheduler assigns outbound messages human-paced, strictly increasing send slots.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/store"
	"recruiter-outreach-scheduler/internal/telemetry"
)

var tracer = otel.Tracer("recruiter-outreach-scheduler/scheduler")

// Request is one batch of outbound messages for a single action.
type Request struct {
	ActionID    int64
	RecruiterID int64
	Applicants  []int64
	Content     string
	// PerApplicant overrides Content for individual applicants.
	PerApplicant map[int64]string
}

func (r Request) contentFor(applicantID int64) string {
	if c, ok := r.PerApplicant[applicantID]; ok {
		return c
	}
	return r.Content
}

// Scheduler writes delay entries and SCHEDULED details.
type Scheduler struct {
	delay   *delaystore.Store
	details store.Details
	minWait int
	maxWait int
	log     zerolog.Logger

	now  func() time.Time
	intn func(n int) int
}

// New builds a scheduler spacing sends by a uniform gap in [minWait, maxWait] seconds.
func New(delay *delaystore.Store, details store.Details, minWait, maxWait int, log zerolog.Logger) *Scheduler {
	if minWait < 1 {
		minWait = 1
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return &Scheduler{
		delay:   delay,
		details: details,
		minWait: minWait,
		maxWait: maxWait,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		intn:    rand.Intn,
	}
}

// SubjectKey is the delay-store key of an applicant's outbound schedule.
func SubjectKey(applicantID int64) string {
	return strconv.FormatInt(applicantID, 10)
}

func (s *Scheduler) gap() time.Duration {
	return time.Duration(s.minWait+s.intn(s.maxWait-s.minWait+1)) * time.Second
}

// Schedule processes req.Applicants in order. Applicants that already have a live
// schedule are reported NO_CHANGE; per-applicant failures are reported FAILED and
// do not stop the batch.
func (s *Scheduler) Schedule(ctx context.Context, req Request) ([]models.StatusBucket, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Schedule")
	defer span.End()
	span.SetAttributes(attribute.Int64("action_id", req.ActionID), attribute.Int("applicants", len(req.Applicants)))

	var completed, noChange, failed []int64
	seen := make(map[int64]bool, len(req.Applicants))
	var last int64
	for _, applicantID := range req.Applicants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[applicantID] {
			noChange = append(noChange, applicantID)
			continue
		}
		seen[applicantID] = true

		slot, err := s.scheduleOne(ctx, req, applicantID)
		switch {
		case errors.Is(err, delaystore.ErrAlreadyScheduled):
			noChange = append(noChange, applicantID)
			s.recordNoChange(ctx, req.ActionID, applicantID)
			telemetry.SchedulesTotal.WithLabelValues(string(models.ActionNoChange)).Inc()
		case err != nil:
			s.log.Error().Err(err).Int64("action_id", req.ActionID).Int64("applicant_id", applicantID).Msg("schedule failed")
			failed = append(failed, applicantID)
			telemetry.SchedulesTotal.WithLabelValues(string(models.ActionFailed)).Inc()
		default:
			completed = append(completed, applicantID)
			last = slot
			telemetry.SchedulesTotal.WithLabelValues(string(models.ActionCompleted)).Inc()
		}
	}
	if last > 0 {
		telemetry.WatermarkLagGauge.Set(float64(last - s.now().Unix()))
	}
	return models.Buckets(completed, noChange, failed), nil
}

func (s *Scheduler) scheduleOne(ctx context.Context, req Request, applicantID int64) (int64, error) {
	key := SubjectKey(applicantID)
	now := s.now()
	slot, err := s.delay.Reserve(ctx, key, s.gap(), now)
	if err != nil {
		return 0, err
	}

	at := time.Unix(slot, 0).UTC()
	ev := models.OutboundText(req.RecruiterID, applicantID, req.contentFor(applicantID), at)
	payload, err := models.EncodeScheduled(models.ScheduledMessage{ActionID: req.ActionID, ScheduledAt: slot, Event: ev})
	if err != nil {
		s.release(ctx, key)
		return 0, err
	}
	rendered, err := json.Marshal(ev)
	if err != nil {
		s.release(ctx, key)
		return 0, fmt.Errorf("render event: %w", err)
	}
	if err := s.delay.Arm(ctx, key, payload, time.Duration(slot-now.Unix())*time.Second); err != nil {
		s.release(ctx, key)
		return 0, err
	}

	if _, err := s.details.CreateDetail(ctx, models.ActionDetail{
		ActionID:         req.ActionID,
		ApplicantID:      applicantID,
		Status:           models.DetailScheduled,
		AdditionalConfig: rendered,
		ScheduledAt:      &at,
	}); err != nil {
		if _, cerr := s.delay.Cancel(ctx, key); cerr != nil {
			s.log.Error().Err(cerr).Str("key", key).Msg("remove orphaned delay entry")
		}
		return 0, err
	}
	s.log.Debug().Int64("action_id", req.ActionID).Int64("applicant_id", applicantID).Time("scheduled_at", at).Msg("scheduled")
	return slot, nil
}

// recordNoChange keeps an audit row for applicants skipped because another action owns their slot.
func (s *Scheduler) recordNoChange(ctx context.Context, actionID, applicantID int64) {
	if _, err := s.details.CreateDetail(ctx, models.ActionDetail{
		ActionID:    actionID,
		ApplicantID: applicantID,
		Status:      models.DetailNoChange,
	}); err != nil {
		s.log.Warn().Err(err).Int64("action_id", actionID).Int64("applicant_id", applicantID).Msg("record no-change detail")
	}
}

func (s *Scheduler) release(ctx context.Context, key string) {
	if err := s.delay.Release(ctx, key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("release slot claim")
	}
}
