package models

import "time"

// ListStatus enumerates recruiter list states.
type ListStatus string

const (
	ListActive   ListStatus = "ACTIVE"
	ListArchived ListStatus = "ARCHIVED"
)

// RecruiterList is a named set of applicants owned by one recruiter.
type RecruiterList struct {
	ID          int64      `json:"id"`
	RecruiterID int64      `json:"recruiter_id"`
	Name        string     `json:"list_name"`
	Description string     `json:"list_description,omitempty"`
	Applicants  []int64    `json:"applicants"`
	Status      ListStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	UpdatedBy   string     `json:"updated_by"`
}

// Contains reports whether applicantID is a member of the list.
func (l RecruiterList) Contains(applicantID int64) bool {
	for _, id := range l.Applicants {
		if id == applicantID {
			return true
		}
	}
	return false
}

// Applicant is a recruiter's profile record for one applicant.
// Response holds the last message sent to the applicant on the recruiter's behalf.
type Applicant struct {
	ID          int64      `json:"id"`
	RecruiterID int64      `json:"recruiter_id"`
	ApplicantID int64      `json:"applicant_id"`
	Tags        []string   `json:"tags"`
	Response    string     `json:"response,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// HasTag reports whether tag is already attached to the applicant.
func (a Applicant) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ApplicantConfig carries per-applicant messaging preferences.
type ApplicantConfig struct {
	ID          int64      `json:"id"`
	RecruiterID int64      `json:"recruiter_id"`
	ApplicantID int64      `json:"applicant_id"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	UpdatedBy   string     `json:"updated_by"`
}
