package listactions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/scheduler"
	"recruiter-outreach-scheduler/internal/store"
	"recruiter-outreach-scheduler/internal/telemetry"
)

// StatusScheduled is reported by Send and Nudge; delivery happens asynchronously.
const StatusScheduled = "SCHEDULED"

// SendResult is returned by Send and Nudge.
type SendResult struct {
	ActionID  int64                 `json:"action_id,string"`
	Status    string                `json:"status"`
	StatusURL string                `json:"status_url"`
	Results   []models.StatusBucket `json:"results"`
}

// SendConfig carries optional send parameters.
type SendConfig struct {
	TemplateMessage string `json:"template_message,omitempty"`
}

func (s *Service) statusURL(listID, actionID int64) string {
	return fmt.Sprintf("%s/list-actions/%d/%d/status", s.opts.BasePath, listID, actionID)
}

// Send schedules one shared message to every applicant. The template falls back
// to the configured intro message.
func (s *Service) Send(ctx context.Context, p Principal, listID int64, applicants []int64, cfg SendConfig) (SendResult, error) {
	ctx, span := tracer.Start(ctx, "listactions.Send")
	defer span.End()
	span.SetAttributes(attribute.Int64("list_id", listID), attribute.Int("applicants", len(applicants)))

	if err := validApplicants(applicants); err != nil {
		return SendResult{}, err
	}
	list, err := s.ownedList(ctx, p, listID)
	if err != nil {
		return SendResult{}, err
	}
	content := strings.TrimSpace(cfg.TemplateMessage)
	if content == "" {
		content = s.opts.IntroMessage
	}
	if content == "" {
		return SendResult{}, fmt.Errorf("%w: message content is empty", ErrInvalidRequest)
	}

	action, err := s.recordAction(ctx, p, list.ID, models.ActionSend, applicants, models.ActionInitiated)
	if err != nil {
		return SendResult{}, err
	}
	results, err := s.sched.Schedule(ctx, scheduler.Request{
		ActionID:    action.ID,
		RecruiterID: list.RecruiterID,
		Applicants:  applicants,
		Content:     content,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("schedule action %d: %w", action.ID, err)
	}
	s.settleIfIdle(ctx, p, action.ID, results)
	return SendResult{ActionID: action.ID, Status: StatusScheduled, StatusURL: s.statusURL(list.ID, action.ID), Results: results}, nil
}

// Nudge re-sends each applicant's last recruiter message. Applicants without one
// are skipped and reported NO_CHANGE.
func (s *Service) Nudge(ctx context.Context, p Principal, listID int64, applicants []int64) (SendResult, error) {
	ctx, span := tracer.Start(ctx, "listactions.Nudge")
	defer span.End()
	span.SetAttributes(attribute.Int64("list_id", listID), attribute.Int("applicants", len(applicants)))

	if err := validApplicants(applicants); err != nil {
		return SendResult{}, err
	}
	list, err := s.ownedList(ctx, p, listID)
	if err != nil {
		return SendResult{}, err
	}

	action, err := s.recordAction(ctx, p, list.ID, models.ActionNudge, applicants, models.ActionInitiated)
	if err != nil {
		return SendResult{}, err
	}

	var targets, skipped, failed []int64
	content := make(map[int64]string, len(applicants))
	for _, id := range dedupe(applicants) {
		profile, err := s.repo.GetApplicant(ctx, list.RecruiterID, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			skipped = append(skipped, id)
		case err != nil:
			s.log.Error().Err(err).Int64("action_id", action.ID).Int64("applicant_id", id).Msg("load applicant for nudge")
			failed = append(failed, id)
		case strings.TrimSpace(profile.Response) == "":
			skipped = append(skipped, id)
		default:
			targets = append(targets, id)
			content[id] = profile.Response
		}
	}

	var results []models.StatusBucket
	if len(targets) > 0 {
		results, err = s.sched.Schedule(ctx, scheduler.Request{
			ActionID:     action.ID,
			RecruiterID:  list.RecruiterID,
			Applicants:   targets,
			PerApplicant: content,
		})
		if err != nil {
			return SendResult{}, fmt.Errorf("schedule action %d: %w", action.ID, err)
		}
	}
	results = mergeBuckets(results, models.Buckets(nil, skipped, failed))
	s.settleIfIdle(ctx, p, action.ID, results)
	return SendResult{ActionID: action.ID, Status: StatusScheduled, StatusURL: s.statusURL(list.ID, action.ID), Results: results}, nil
}

// settleIfIdle resolves an action that ended up with nothing scheduled, since no
// expiry will ever complete it.
func (s *Service) settleIfIdle(ctx context.Context, p Principal, actionID int64, results []models.StatusBucket) {
	var completed, other int
	for _, b := range results {
		switch b.Status {
		case models.ActionCompleted:
			completed += len(b.Applicants)
		case models.ActionNoChange:
			other += len(b.Applicants)
		}
	}
	if completed > 0 {
		return
	}
	final := models.ActionCompleted
	if other == 0 {
		final = models.ActionFailed
	}
	if _, err := s.repo.TransitionAction(ctx, actionID, models.NonTerminalActionStatuses, final, p.Actor()); err != nil {
		s.log.Error().Err(err).Int64("action_id", actionID).Msg("settle idle action")
	}
}

func mergeBuckets(a, b []models.StatusBucket) []models.StatusBucket {
	byStatus := make(map[models.ActionStatus][]int64, 3)
	for _, set := range [][]models.StatusBucket{a, b} {
		for _, bucket := range set {
			byStatus[bucket.Status] = append(byStatus[bucket.Status], bucket.Applicants...)
		}
	}
	return models.Buckets(byStatus[models.ActionCompleted], byStatus[models.ActionNoChange], byStatus[models.ActionFailed])
}

// Cancel stops every still-scheduled send of an action and marks the action
// CANCELLED. Calling it again changes nothing.
func (s *Service) Cancel(ctx context.Context, p Principal, listID, actionID int64) (ActionStatus, error) {
	ctx, span := tracer.Start(ctx, "listactions.Cancel")
	defer span.End()
	span.SetAttributes(attribute.Int64("list_id", listID), attribute.Int64("action_id", actionID))

	if _, err := s.ownedList(ctx, p, listID); err != nil {
		return ActionStatus{}, err
	}
	action, err := s.ownedAction(ctx, listID, actionID)
	if err != nil {
		return ActionStatus{}, err
	}
	details, err := s.repo.ListDetails(ctx, actionID)
	if err != nil {
		return ActionStatus{}, fmt.Errorf("list details: %w", err)
	}

	for _, d := range details {
		if d.Status != models.DetailScheduled {
			continue
		}
		ok, err := s.repo.TransitionDetail(ctx, actionID, d.ApplicantID, []models.DetailStatus{models.DetailScheduled}, models.DetailCancelled)
		if err != nil {
			s.log.Error().Err(err).Int64("action_id", actionID).Int64("applicant_id", d.ApplicantID).Msg("cancel detail")
			continue
		}
		if !ok {
			// dispatched in the meantime
			continue
		}
		if err := s.dropDelayEntry(ctx, actionID, d.ApplicantID); err != nil {
			s.log.Error().Err(err).Int64("action_id", actionID).Int64("applicant_id", d.ApplicantID).Msg("drop delay entry")
		}
		telemetry.Cancellations.Inc()
	}

	if !action.Status.Terminal() {
		if _, err := s.repo.TransitionAction(ctx, actionID, models.NonTerminalActionStatuses, models.ActionCancelled, p.Actor()); err != nil {
			return ActionStatus{}, fmt.Errorf("cancel action %d: %w", actionID, err)
		}
	}
	s.log.Info().Int64("list_id", listID).Int64("action_id", actionID).Msg("action cancelled")
	return s.Status(ctx, p, listID, actionID)
}

// dropDelayEntry removes the applicant's trigger and backup unless the slot has
// since been taken by a different action.
func (s *Service) dropDelayEntry(ctx context.Context, actionID, applicantID int64) error {
	key := scheduler.SubjectKey(applicantID)
	raw, ok, err := s.delay.Get(ctx, delaystore.BackupKey(key))
	if err != nil {
		return err
	}
	if ok {
		msg, err := models.DecodeScheduled(raw)
		if err != nil || msg.ActionID != actionID {
			return nil
		}
	}
	_, err = s.delay.Cancel(ctx, key)
	return err
}
