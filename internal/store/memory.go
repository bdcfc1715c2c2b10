package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"recruiter-outreach-scheduler/internal/models"
)

// Memory is an in-process Repository used by tests and local runs without Postgres.
type Memory struct {
	mu         sync.Mutex
	seq        int64
	lists      map[int64]models.RecruiterList
	applicants map[[2]int64]models.Applicant
	configs    map[[2]int64]models.ApplicantConfig
	actions    map[int64]models.Action
	details    map[[2]int64]models.ActionDetail

	// FailCreateDetail makes CreateDetail fail for the listed applicant ids.
	FailCreateDetail map[int64]bool
	// FailListUpdate makes UpdateListApplicants fail.
	FailListUpdate bool
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		lists:            make(map[int64]models.RecruiterList),
		applicants:       make(map[[2]int64]models.Applicant),
		configs:          make(map[[2]int64]models.ApplicantConfig),
		actions:          make(map[int64]models.Action),
		details:          make(map[[2]int64]models.ActionDetail),
		FailCreateDetail: make(map[int64]bool),
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

// PutList stores l, assigning an id when it has none.
func (m *Memory) PutList(l models.RecruiterList) models.RecruiterList {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		l.ID = m.nextID()
	}
	if l.Status == "" {
		l.Status = models.ListActive
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.Applicants = append([]int64{}, l.Applicants...)
	m.lists[l.ID] = l
	return l
}

func (m *Memory) GetList(_ context.Context, id int64) (models.RecruiterList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return models.RecruiterList{}, ErrNotFound
	}
	l.Applicants = append([]int64{}, l.Applicants...)
	return l, nil
}

func (m *Memory) UpdateListApplicants(_ context.Context, id int64, updatedBy string, fn MembershipFunc) (models.RecruiterList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailListUpdate {
		return models.RecruiterList{}, fmt.Errorf("update list %d: injected failure", id)
	}
	l, ok := m.lists[id]
	if !ok {
		return models.RecruiterList{}, ErrNotFound
	}
	cur := l
	cur.Applicants = append([]int64{}, l.Applicants...)
	next, err := fn(cur)
	if err != nil {
		return models.RecruiterList{}, err
	}
	now := time.Now().UTC()
	l.Applicants = append([]int64{}, nonNilIDs(next)...)
	l.UpdatedAt = &now
	l.UpdatedBy = updatedBy
	m.lists[id] = l
	return l, nil
}

func (m *Memory) GetApplicant(_ context.Context, recruiterID, applicantID int64) (models.Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applicants[[2]int64{recruiterID, applicantID}]
	if !ok {
		return models.Applicant{}, ErrNotFound
	}
	a.Tags = append([]string{}, a.Tags...)
	return a, nil
}

func (m *Memory) CreateApplicant(_ context.Context, a models.Applicant) (models.Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{a.RecruiterID, a.ApplicantID}
	if _, ok := m.applicants[key]; ok {
		return a, fmt.Errorf("insert applicant: duplicate %d/%d", a.RecruiterID, a.ApplicantID)
	}
	a.ID = m.nextID()
	a.CreatedAt = time.Now().UTC()
	a.Tags = append([]string{}, a.Tags...)
	m.applicants[key] = a
	return a, nil
}

func (m *Memory) UpdateApplicantTags(_ context.Context, id int64, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.applicants {
		if a.ID == id {
			now := time.Now().UTC()
			a.Tags = append([]string{}, tags...)
			a.UpdatedAt = &now
			m.applicants[k] = a
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) UpdateApplicantResponse(_ context.Context, recruiterID, applicantID int64, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{recruiterID, applicantID}
	a, ok := m.applicants[key]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	a.Response = response
	a.UpdatedAt = &now
	m.applicants[key] = a
	return nil
}

func (m *Memory) GetConfig(_ context.Context, recruiterID, applicantID int64) (models.ApplicantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[[2]int64{recruiterID, applicantID}]
	if !ok {
		return models.ApplicantConfig{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) CreateConfig(_ context.Context, c models.ApplicantConfig) (models.ApplicantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{c.RecruiterID, c.ApplicantID}
	if _, ok := m.configs[key]; ok {
		return c, fmt.Errorf("insert config: duplicate %d/%d", c.RecruiterID, c.ApplicantID)
	}
	c.ID = m.nextID()
	c.CreatedAt = time.Now().UTC()
	m.configs[key] = c
	return c, nil
}

func (m *Memory) UpdateConfigEnabled(_ context.Context, id int64, enabled bool, updatedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.configs {
		if c.ID == id {
			now := time.Now().UTC()
			c.Enabled = enabled
			c.UpdatedBy = updatedBy
			c.UpdatedAt = &now
			m.configs[k] = c
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) CreateAction(_ context.Context, a models.Action) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID()
	a.CreatedAt = time.Now().UTC()
	a.Applicants = append([]int64{}, a.Applicants...)
	m.actions[a.ID] = a
	return a, nil
}

func (m *Memory) GetAction(_ context.Context, id int64) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return models.Action{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListActions(_ context.Context, f ListFilter) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Action
	for _, a := range m.actions {
		if f.ListID != 0 && a.ListID != f.ListID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Type != "" && a.ActionType != f.Type {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) TransitionAction(_ context.Context, id int64, from []models.ActionStatus, to models.ActionStatus, updatedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || !contains(from, a.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	a.Status = to
	a.UpdatedAt = &now
	if updatedBy != "" {
		a.UpdatedBy = updatedBy
	}
	m.actions[id] = a
	return true, nil
}

func (m *Memory) CreateDetail(_ context.Context, d models.ActionDetail) (models.ActionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateDetail[d.ApplicantID] {
		return d, fmt.Errorf("insert detail: injected failure for %d", d.ApplicantID)
	}
	key := [2]int64{d.ActionID, d.ApplicantID}
	if _, ok := m.details[key]; ok {
		return d, fmt.Errorf("insert detail: duplicate %d/%d", d.ActionID, d.ApplicantID)
	}
	d.ID = m.nextID()
	d.CreatedAt = time.Now().UTC()
	if len(d.AdditionalConfig) > 0 {
		d.AdditionalConfig = append(json.RawMessage{}, d.AdditionalConfig...)
	}
	m.details[key] = d
	return d, nil
}

func (m *Memory) GetDetail(_ context.Context, actionID, applicantID int64) (models.ActionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[[2]int64{actionID, applicantID}]
	if !ok {
		return models.ActionDetail{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) ListDetails(_ context.Context, actionID int64) ([]models.ActionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActionDetail
	for _, d := range m.details {
		if d.ActionID == actionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TransitionDetail(_ context.Context, actionID, applicantID int64, from []models.DetailStatus, to models.DetailStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{actionID, applicantID}
	d, ok := m.details[key]
	if !ok || !contains(from, d.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	d.Status = to
	d.UpdatedAt = &now
	m.details[key] = d
	return true, nil
}

func (m *Memory) CountDetails(_ context.Context, actionID int64, status models.DetailStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.details {
		if d.ActionID == actionID && d.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) OverdueDetails(_ context.Context, cutoff time.Time, limit int) ([]models.ActionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActionDetail
	for _, d := range m.details {
		if d.Status == models.DetailScheduled && d.ScheduledAt != nil && d.ScheduledAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
