package listactions

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/store"
)

// Result is the outcome of a bulk membership or settings operation.
type Result struct {
	Action  models.Action         `json:"action"`
	Results []models.StatusBucket `json:"results"`
}

// aggregate picks the Action status from per-applicant outcomes.
func aggregate(completed, failed []int64) models.ActionStatus {
	switch {
	case len(completed) > 0:
		return models.ActionCompleted
	case len(failed) > 0:
		return models.ActionFailed
	}
	return models.ActionNoChange
}

// dedupe keeps the first occurrence of each id.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func validApplicants(ids []int64) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: applicants must not be empty", ErrInvalidRequest)
	}
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%w: invalid applicant id %d", ErrInvalidRequest, id)
		}
	}
	return nil
}

// Add puts applicants on the list. Members already present are NO_CHANGE; new
// members are persisted first and then get the list name as a profile tag,
// creating the profile if needed. If the list cannot be saved no profile is touched
// and the new members are FAILED.
func (s *Service) Add(ctx context.Context, p Principal, listID int64, applicants []int64) (Result, error) {
	ctx, span := tracer.Start(ctx, "listactions.Add")
	defer span.End()
	span.SetAttributes(attribute.Int64("list_id", listID), attribute.Int("applicants", len(applicants)))

	if err := validApplicants(applicants); err != nil {
		return Result{}, err
	}
	list, err := s.ownedList(ctx, p, listID)
	if err != nil {
		return Result{}, err
	}
	requested := dedupe(applicants)

	var completed, noChange, failed []int64
	err = s.withListLock(ctx, listID, func() error {
		current, err := s.repo.GetList(ctx, listID)
		if err != nil {
			return fmt.Errorf("reload list %d: %w", listID, err)
		}
		var added []int64
		for _, id := range requested {
			if current.Contains(id) {
				noChange = append(noChange, id)
				continue
			}
			added = append(added, id)
		}
		if len(added) == 0 {
			return nil
		}
		_, err = s.repo.UpdateListApplicants(ctx, listID, p.Actor(), func(locked models.RecruiterList) ([]int64, error) {
			next := append([]int64(nil), locked.Applicants...)
			for _, id := range added {
				if !locked.Contains(id) {
					next = append(next, id)
				}
			}
			return next, nil
		})
		if err != nil {
			s.log.Error().Err(err).Int64("list_id", listID).Msg("persist list members")
			failed = append(failed, added...)
			return nil
		}
		// Membership is committed; a tag failure only leaves the profile untagged.
		for _, id := range added {
			if err := s.tagApplicant(ctx, current, id); err != nil {
				s.log.Error().Err(err).Int64("list_id", listID).Int64("applicant_id", id).Msg("tag applicant")
				failed = append(failed, id)
				continue
			}
			completed = append(completed, id)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	action, err := s.recordAction(ctx, p, list.ID, models.ActionAdd, requested, aggregate(completed, failed))
	if err != nil {
		return Result{}, err
	}
	s.log.Info().Int64("list_id", listID).Int64("action_id", action.ID).Int("added", len(completed)).Msg("applicants added")
	return Result{Action: action, Results: models.Buckets(completed, noChange, failed)}, nil
}

func (s *Service) tagApplicant(ctx context.Context, list models.RecruiterList, applicantID int64) error {
	profile, err := s.repo.GetApplicant(ctx, list.RecruiterID, applicantID)
	if errors.Is(err, store.ErrNotFound) {
		_, err = s.repo.CreateApplicant(ctx, models.Applicant{
			RecruiterID: list.RecruiterID,
			ApplicantID: applicantID,
			Tags:        []string{list.Name},
		})
		return err
	}
	if err != nil {
		return err
	}
	if profile.HasTag(list.Name) {
		return nil
	}
	return s.repo.UpdateApplicantTags(ctx, profile.ID, append(profile.Tags, list.Name))
}

// Remove takes applicants off the list and drops the list tag from their profiles.
// Applicants that are not members are NO_CHANGE.
func (s *Service) Remove(ctx context.Context, p Principal, listID int64, applicants []int64) (Result, error) {
	ctx, span := tracer.Start(ctx, "listactions.Remove")
	defer span.End()
	span.SetAttributes(attribute.Int64("list_id", listID), attribute.Int("applicants", len(applicants)))

	if err := validApplicants(applicants); err != nil {
		return Result{}, err
	}
	list, err := s.ownedList(ctx, p, listID)
	if err != nil {
		return Result{}, err
	}
	requested := dedupe(applicants)

	var completed, noChange, failed []int64
	err = s.withListLock(ctx, listID, func() error {
		current, err := s.repo.GetList(ctx, listID)
		if err != nil {
			return fmt.Errorf("reload list %d: %w", listID, err)
		}
		removed := make(map[int64]bool, len(requested))
		var candidates []int64
		for _, id := range requested {
			if !current.Contains(id) {
				noChange = append(noChange, id)
				continue
			}
			removed[id] = true
			candidates = append(candidates, id)
		}
		if len(candidates) == 0 {
			return nil
		}
		_, err = s.repo.UpdateListApplicants(ctx, listID, p.Actor(), func(locked models.RecruiterList) ([]int64, error) {
			next := make([]int64, 0, len(locked.Applicants))
			for _, id := range locked.Applicants {
				if !removed[id] {
					next = append(next, id)
				}
			}
			return next, nil
		})
		if err != nil {
			s.log.Error().Err(err).Int64("list_id", listID).Msg("persist list members")
			failed = append(failed, candidates...)
			return nil
		}
		for _, id := range candidates {
			if err := s.untagApplicant(ctx, current, id); err != nil {
				s.log.Error().Err(err).Int64("list_id", listID).Int64("applicant_id", id).Msg("untag applicant")
				failed = append(failed, id)
				continue
			}
			completed = append(completed, id)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	action, err := s.recordAction(ctx, p, list.ID, models.ActionRemove, requested, aggregate(completed, failed))
	if err != nil {
		return Result{}, err
	}
	s.log.Info().Int64("list_id", listID).Int64("action_id", action.ID).Int("removed", len(completed)).Msg("applicants removed")
	return Result{Action: action, Results: models.Buckets(completed, noChange, failed)}, nil
}

func (s *Service) untagApplicant(ctx context.Context, list models.RecruiterList, applicantID int64) error {
	profile, err := s.repo.GetApplicant(ctx, list.RecruiterID, applicantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !profile.HasTag(list.Name) {
		return nil
	}
	tags := make([]string, 0, len(profile.Tags))
	for _, t := range profile.Tags {
		if t != list.Name {
			tags = append(tags, t)
		}
	}
	return s.repo.UpdateApplicantTags(ctx, profile.ID, tags)
}

// Disable turns off messaging for each applicant under the list owner.
func (s *Service) Disable(ctx context.Context, p Principal, listID int64, applicants []int64) (Result, error) {
	ctx, span := tracer.Start(ctx, "listactions.Disable")
	defer span.End()
	span.SetAttributes(attribute.Int64("list_id", listID), attribute.Int("applicants", len(applicants)))

	if err := validApplicants(applicants); err != nil {
		return Result{}, err
	}
	list, err := s.ownedList(ctx, p, listID)
	if err != nil {
		return Result{}, err
	}
	requested := dedupe(applicants)

	var completed, noChange, failed []int64
	for _, id := range requested {
		changed, err := s.disableOne(ctx, p, list.RecruiterID, id)
		switch {
		case err != nil:
			s.log.Error().Err(err).Int64("list_id", listID).Int64("applicant_id", id).Msg("disable applicant")
			failed = append(failed, id)
		case changed:
			completed = append(completed, id)
		default:
			noChange = append(noChange, id)
		}
	}

	action, err := s.recordAction(ctx, p, list.ID, models.ActionDisable, requested, aggregate(completed, failed))
	if err != nil {
		return Result{}, err
	}
	return Result{Action: action, Results: models.Buckets(completed, noChange, failed)}, nil
}

func (s *Service) disableOne(ctx context.Context, p Principal, recruiterID, applicantID int64) (bool, error) {
	cfg, err := s.repo.GetConfig(ctx, recruiterID, applicantID)
	if errors.Is(err, store.ErrNotFound) {
		_, err = s.repo.CreateConfig(ctx, models.ApplicantConfig{
			RecruiterID: recruiterID,
			ApplicantID: applicantID,
			Enabled:     false,
			UpdatedBy:   p.Actor(),
		})
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if !cfg.Enabled {
		return false, nil
	}
	if err := s.repo.UpdateConfigEnabled(ctx, cfg.ID, false, p.Actor()); err != nil {
		return false, err
	}
	return true, nil
}
