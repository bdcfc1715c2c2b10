package store

import (
	"context"
	"errors"
	"time"

	"recruiter-outreach-scheduler/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ListFilter narrows ListActions. Zero values match everything.
type ListFilter struct {
	ListID int64
	Status models.ActionStatus
	Type   models.ActionType
}

// MembershipFunc computes the new applicant set of a list from the current one.
type MembershipFunc func(list models.RecruiterList) ([]int64, error)

// Lists reads and mutates recruiter lists.
type Lists interface {
	GetList(ctx context.Context, id int64) (models.RecruiterList, error)
	// UpdateListApplicants runs fn against the locked row and persists its result.
	UpdateListApplicants(ctx context.Context, id int64, updatedBy string, fn MembershipFunc) (models.RecruiterList, error)
}

// Applicants reads and mutates applicant profiles.
type Applicants interface {
	GetApplicant(ctx context.Context, recruiterID, applicantID int64) (models.Applicant, error)
	CreateApplicant(ctx context.Context, a models.Applicant) (models.Applicant, error)
	UpdateApplicantTags(ctx context.Context, id int64, tags []string) error
	UpdateApplicantResponse(ctx context.Context, recruiterID, applicantID int64, response string) error
}

// Configs reads and mutates per-applicant messaging settings.
type Configs interface {
	GetConfig(ctx context.Context, recruiterID, applicantID int64) (models.ApplicantConfig, error)
	CreateConfig(ctx context.Context, c models.ApplicantConfig) (models.ApplicantConfig, error)
	UpdateConfigEnabled(ctx context.Context, id int64, enabled bool, updatedBy string) error
}

// Actions persists bulk operations.
type Actions interface {
	CreateAction(ctx context.Context, a models.Action) (models.Action, error)
	GetAction(ctx context.Context, id int64) (models.Action, error)
	ListActions(ctx context.Context, f ListFilter) ([]models.Action, error)
	// TransitionAction moves the action to `to` only if its status is one of `from`.
	TransitionAction(ctx context.Context, id int64, from []models.ActionStatus, to models.ActionStatus, updatedBy string) (bool, error)
}

// Details persists per-applicant outcomes of SEND and NUDGE actions.
type Details interface {
	CreateDetail(ctx context.Context, d models.ActionDetail) (models.ActionDetail, error)
	GetDetail(ctx context.Context, actionID, applicantID int64) (models.ActionDetail, error)
	ListDetails(ctx context.Context, actionID int64) ([]models.ActionDetail, error)
	// TransitionDetail moves the detail to `to` only if its status is one of `from`.
	TransitionDetail(ctx context.Context, actionID, applicantID int64, from []models.DetailStatus, to models.DetailStatus) (bool, error)
	CountDetails(ctx context.Context, actionID int64, status models.DetailStatus) (int, error)
	// OverdueDetails returns SCHEDULED details whose slot is before cutoff, oldest first.
	OverdueDetails(ctx context.Context, cutoff time.Time, limit int) ([]models.ActionDetail, error)
}

// Repository bundles every accessor the services need.
type Repository interface {
	Lists
	Applicants
	Configs
	Actions
	Details
}
