// Package listactions runs bulk operations over a recruiter's applicant list
// and records each one as an Action.
package listactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/scheduler"
	"recruiter-outreach-scheduler/internal/store"
	"recruiter-outreach-scheduler/internal/telemetry"
)

var tracer = otel.Tracer("recruiter-outreach-scheduler/listactions")

// Options tunes the service.
type Options struct {
	IntroMessage string
	BasePath     string
	LockTTL      time.Duration
	LockWait     time.Duration
}

// Service is the list action orchestrator.
type Service struct {
	repo   store.Repository
	sched  *scheduler.Scheduler
	delay  *delaystore.Store
	locker *redislock.Client
	opts   Options
	log    zerolog.Logger
}

// New wires the orchestrator.
func New(repo store.Repository, sched *scheduler.Scheduler, delay *delaystore.Store, locker *redislock.Client, opts Options, log zerolog.Logger) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.BasePath == "" {
		opts.BasePath = "/api/v1"
	}
	return &Service{
		repo:   repo,
		sched:  sched,
		delay:  delay,
		locker: locker,
		opts:   opts,
		log:    log.With().Str("component", "listactions").Logger(),
	}
}

// ownedList loads the list and enforces ownership before any mutation.
func (s *Service) ownedList(ctx context.Context, p Principal, listID int64) (models.RecruiterList, error) {
	list, err := s.repo.GetList(ctx, listID)
	if errors.Is(err, store.ErrNotFound) {
		return list, ErrListNotFound
	}
	if err != nil {
		return list, fmt.Errorf("get list %d: %w", listID, err)
	}
	if list.RecruiterID != p.ID && !p.IsAdmin() {
		return list, ErrForbidden
	}
	return list, nil
}

// ownedAction loads an action that must belong to listID.
func (s *Service) ownedAction(ctx context.Context, listID, actionID int64) (models.Action, error) {
	action, err := s.repo.GetAction(ctx, actionID)
	if errors.Is(err, store.ErrNotFound) {
		return action, ErrActionNotFound
	}
	if err != nil {
		return action, fmt.Errorf("get action %d: %w", actionID, err)
	}
	if action.ListID != listID {
		return action, ErrActionNotFound
	}
	return action, nil
}

// withListLock serializes membership changes on one list across replicas.
func (s *Service) withListLock(ctx context.Context, listID int64, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()
	lock, err := s.locker.Obtain(lockCtx, fmt.Sprintf("lock:list:%d", listID), s.opts.LockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return ErrListBusy
	}
	if err != nil {
		return fmt.Errorf("obtain list lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			s.log.Warn().Err(err).Int64("list_id", listID).Msg("release list lock")
		}
	}()
	return fn()
}

func (s *Service) recordAction(ctx context.Context, p Principal, listID int64, t models.ActionType, applicants []int64, status models.ActionStatus) (models.Action, error) {
	action, err := s.repo.CreateAction(ctx, models.Action{
		ListID:     listID,
		ActionType: t,
		Applicants: applicants,
		Status:     status,
		UpdatedBy:  p.Actor(),
	})
	if err != nil {
		return action, fmt.Errorf("record %s action: %w", t, err)
	}
	telemetry.ListActions.WithLabelValues(string(t)).Inc()
	return action, nil
}

// Get returns one action of a list.
func (s *Service) Get(ctx context.Context, p Principal, listID, actionID int64) (models.Action, error) {
	if _, err := s.ownedList(ctx, p, listID); err != nil {
		return models.Action{}, err
	}
	return s.ownedAction(ctx, listID, actionID)
}

// ListByList returns the actions of a list, newest first, optionally filtered.
func (s *Service) ListByList(ctx context.Context, p Principal, listID int64, status models.ActionStatus, t models.ActionType) ([]models.Action, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	if t != "" && !t.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, t)
	}
	if _, err := s.ownedList(ctx, p, listID); err != nil {
		return nil, err
	}
	return s.repo.ListActions(ctx, store.ListFilter{ListID: listID, Status: status, Type: t})
}

// ActionStatus is an action together with its per-applicant outcomes.
type ActionStatus struct {
	Action  models.Action         `json:"action"`
	Details []models.ActionDetail `json:"details"`
}

// Status returns an action and its details, the target of a send's status_url.
func (s *Service) Status(ctx context.Context, p Principal, listID, actionID int64) (ActionStatus, error) {
	action, err := s.Get(ctx, p, listID, actionID)
	if err != nil {
		return ActionStatus{}, err
	}
	details, err := s.repo.ListDetails(ctx, actionID)
	if err != nil {
		return ActionStatus{}, fmt.Errorf("list details: %w", err)
	}
	if details == nil {
		details = []models.ActionDetail{}
	}
	return ActionStatus{Action: action, Details: details}, nil
}
