package models

import (
	"encoding/json"
	"time"
)

// ActionType enumerates bulk operations issued against a recruiter list.
type ActionType string

const (
	ActionAdd     ActionType = "ADD"
	ActionRemove  ActionType = "REMOVE"
	ActionNudge   ActionType = "NUDGE"
	ActionSend    ActionType = "SEND"
	ActionDisable ActionType = "DISABLE"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionAdd, ActionRemove, ActionNudge, ActionSend, ActionDisable:
		return true
	}
	return false
}

// ActionStatus enumerates lifecycle states of an Action persisted in Postgres.
type ActionStatus string

const (
	ActionInitiated  ActionStatus = "INITIATED"
	ActionInProgress ActionStatus = "IN_PROGRESS"
	ActionCompleted  ActionStatus = "COMPLETED"
	ActionCancelled  ActionStatus = "CANCELLED"
	ActionFailed     ActionStatus = "FAILED"
	ActionNoChange   ActionStatus = "NO_CHANGE"
)

// Valid reports whether s is a known action status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionInitiated, ActionInProgress, ActionCompleted, ActionCancelled, ActionFailed, ActionNoChange:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompleted, ActionCancelled, ActionFailed, ActionNoChange:
		return true
	}
	return false
}

// CanTransition reports whether an Action may move from s to next.
// INITIATED -> IN_PROGRESS -> {COMPLETED | FAILED}; any non-terminal state may be CANCELLED.
// INITIATED may also complete or fail directly when the whole batch resolves at once.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case ActionCancelled:
		return true
	case ActionInProgress:
		return s == ActionInitiated
	case ActionCompleted, ActionFailed:
		return s == ActionInitiated || s == ActionInProgress
	}
	return false
}

// NonTerminalActionStatuses lists the states an Action can still leave.
var NonTerminalActionStatuses = []ActionStatus{ActionInitiated, ActionInProgress}

// Action represents one bulk operation recorded against a list.
type Action struct {
	ID         int64        `json:"id"`
	ListID     int64        `json:"list_id"`
	ActionType ActionType   `json:"action_type"`
	Applicants []int64      `json:"applicants"`
	Status     ActionStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  *time.Time   `json:"updated_at,omitempty"`
	UpdatedBy  string       `json:"updated_by"`
}

// DetailStatus enumerates per-applicant outcomes under a SEND/NUDGE action.
type DetailStatus string

const (
	DetailScheduled DetailStatus = "SCHEDULED"
	DetailCompleted DetailStatus = "COMPLETED"
	DetailCancelled DetailStatus = "CANCELLED"
	DetailFailed    DetailStatus = "FAILED"
	DetailNoChange  DetailStatus = "NO_CHANGE"
)

// Terminal reports whether the detail has resolved.
func (s DetailStatus) Terminal() bool {
	return s != DetailScheduled
}

// ActionDetail is the per-applicant outcome row under an Action.
type ActionDetail struct {
	ID               int64           `json:"id"`
	ActionID         int64           `json:"action_id"`
	ApplicantID      int64           `json:"applicant_id"`
	Status           DetailStatus    `json:"status"`
	AdditionalConfig json.RawMessage `json:"additional_config,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
}

// StatusBucket groups applicants by the outcome of a bulk operation.
type StatusBucket struct {
	Status     ActionStatus `json:"status"`
	Applicants []int64      `json:"applicants"`
}

// Buckets builds the outcome summary in the order COMPLETED, NO_CHANGE, FAILED,
// omitting empty groups.
func Buckets(completed, noChange, failed []int64) []StatusBucket {
	out := make([]StatusBucket, 0, 3)
	if len(completed) > 0 {
		out = append(out, StatusBucket{Status: ActionCompleted, Applicants: completed})
	}
	if len(noChange) > 0 {
		out = append(out, StatusBucket{Status: ActionNoChange, Applicants: noChange})
	}
	if len(failed) > 0 {
		out = append(out, StatusBucket{Status: ActionFailed, Applicants: failed})
	}
	return out
}
