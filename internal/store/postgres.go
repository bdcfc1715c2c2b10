package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"recruiter-outreach-scheduler/internal/models"
)

// Postgres wraps pgxpool for persistence of lists, applicants, configs, actions and details.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- lists ---

const listColumns = `id, recruiter_id, list_name, list_description, applicants, status, created_at, updated_at, updated_by`

func scanList(row pgx.Row) (models.RecruiterList, error) {
	var l models.RecruiterList
	var desc, by pgtype.Text
	var applicants []byte
	if err := row.Scan(&l.ID, &l.RecruiterID, &l.Name, &desc, &applicants, &l.Status, &l.CreatedAt, &l.UpdatedAt, &by); err != nil {
		return l, notFound(err, "scan list")
	}
	if err := unmarshalIDs(applicants, &l.Applicants); err != nil {
		return l, err
	}
	l.Description = desc.String
	l.UpdatedBy = by.String
	return l, nil
}

// GetList fetches a list by id.
func (s *Postgres) GetList(ctx context.Context, id int64) (models.RecruiterList, error) {
	return scanList(s.pool.QueryRow(ctx, `SELECT `+listColumns+` FROM recruiter_lists WHERE id = $1`, id))
}

// UpdateListApplicants locks the list row, applies fn and writes the new member set.
func (s *Postgres) UpdateListApplicants(ctx context.Context, id int64, updatedBy string, fn MembershipFunc) (models.RecruiterList, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RecruiterList{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	list, err := scanList(tx.QueryRow(ctx, `SELECT `+listColumns+` FROM recruiter_lists WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.RecruiterList{}, err
	}
	next, err := fn(list)
	if err != nil {
		return models.RecruiterList{}, err
	}
	raw, err := json.Marshal(nonNilIDs(next))
	if err != nil {
		return models.RecruiterList{}, fmt.Errorf("marshal applicants: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE recruiter_lists SET applicants = $2, updated_at = $3, updated_by = $4 WHERE id = $1
	`, id, raw, now, updatedBy); err != nil {
		return models.RecruiterList{}, fmt.Errorf("update list applicants: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.RecruiterList{}, fmt.Errorf("commit: %w", err)
	}
	list.Applicants = nonNilIDs(next)
	list.UpdatedAt = &now
	list.UpdatedBy = updatedBy
	return list, nil
}

// --- applicants ---

// GetApplicant fetches the profile a recruiter holds for an applicant.
func (s *Postgres) GetApplicant(ctx context.Context, recruiterID, applicantID int64) (models.Applicant, error) {
	var a models.Applicant
	var tags []byte
	var resp pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, recruiter_id, applicant_id, tags, response, created_at, updated_at
		FROM applicants WHERE recruiter_id = $1 AND applicant_id = $2
	`, recruiterID, applicantID).Scan(&a.ID, &a.RecruiterID, &a.ApplicantID, &tags, &resp, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, notFound(err, "scan applicant")
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &a.Tags); err != nil {
			return a, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	a.Response = resp.String
	return a, nil
}

// CreateApplicant inserts a profile row.
func (s *Postgres) CreateApplicant(ctx context.Context, a models.Applicant) (models.Applicant, error) {
	if a.Tags == nil {
		a.Tags = []string{}
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return a, fmt.Errorf("marshal tags: %w", err)
	}
	a.CreatedAt = time.Now().UTC()
	err = s.pool.QueryRow(ctx, `
		INSERT INTO applicants (recruiter_id, applicant_id, tags, response, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, a.RecruiterID, a.ApplicantID, tags, emptyToNil(a.Response), a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return a, fmt.Errorf("insert applicant: %w", err)
	}
	return a, nil
}

// UpdateApplicantTags replaces the tag set of a profile.
func (s *Postgres) UpdateApplicantTags(ctx context.Context, id int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	return execOne(s.pool.Exec(ctx, `UPDATE applicants SET tags = $2, updated_at = NOW() WHERE id = $1`, id, raw))
}

// UpdateApplicantResponse records the last message sent to the applicant.
func (s *Postgres) UpdateApplicantResponse(ctx context.Context, recruiterID, applicantID int64, response string) error {
	return execOne(s.pool.Exec(ctx, `
		UPDATE applicants SET response = $3, updated_at = NOW() WHERE recruiter_id = $1 AND applicant_id = $2
	`, recruiterID, applicantID, response))
}

// --- configs ---

// GetConfig fetches the messaging settings for an applicant.
func (s *Postgres) GetConfig(ctx context.Context, recruiterID, applicantID int64) (models.ApplicantConfig, error) {
	var c models.ApplicantConfig
	var by pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, recruiter_id, applicant_id, enabled, created_at, updated_at, updated_by
		FROM configs WHERE recruiter_id = $1 AND applicant_id = $2
	`, recruiterID, applicantID).Scan(&c.ID, &c.RecruiterID, &c.ApplicantID, &c.Enabled, &c.CreatedAt, &c.UpdatedAt, &by)
	if err != nil {
		return c, notFound(err, "scan config")
	}
	c.UpdatedBy = by.String
	return c, nil
}

// CreateConfig inserts a settings row.
func (s *Postgres) CreateConfig(ctx context.Context, c models.ApplicantConfig) (models.ApplicantConfig, error) {
	c.CreatedAt = time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO configs (recruiter_id, applicant_id, enabled, created_at, updated_by)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, c.RecruiterID, c.ApplicantID, c.Enabled, c.CreatedAt, emptyToNil(c.UpdatedBy)).Scan(&c.ID)
	if err != nil {
		return c, fmt.Errorf("insert config: %w", err)
	}
	return c, nil
}

// UpdateConfigEnabled flips the messaging switch.
func (s *Postgres) UpdateConfigEnabled(ctx context.Context, id int64, enabled bool, updatedBy string) error {
	return execOne(s.pool.Exec(ctx, `
		UPDATE configs SET enabled = $2, updated_by = $3, updated_at = NOW() WHERE id = $1
	`, id, enabled, updatedBy))
}

// --- actions ---

const actionColumns = `id, list_id, action_type, applicants, status, created_at, updated_at, updated_by`

func scanAction(row pgx.Row) (models.Action, error) {
	var a models.Action
	var applicants []byte
	var by pgtype.Text
	if err := row.Scan(&a.ID, &a.ListID, &a.ActionType, &applicants, &a.Status, &a.CreatedAt, &a.UpdatedAt, &by); err != nil {
		return a, notFound(err, "scan action")
	}
	if err := unmarshalIDs(applicants, &a.Applicants); err != nil {
		return a, err
	}
	a.UpdatedBy = by.String
	return a, nil
}

// CreateAction inserts an action row.
func (s *Postgres) CreateAction(ctx context.Context, a models.Action) (models.Action, error) {
	a.Applicants = nonNilIDs(a.Applicants)
	raw, err := json.Marshal(a.Applicants)
	if err != nil {
		return a, fmt.Errorf("marshal applicants: %w", err)
	}
	a.CreatedAt = time.Now().UTC()
	err = s.pool.QueryRow(ctx, `
		INSERT INTO list_actions (list_id, action_type, applicants, status, created_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`, a.ListID, a.ActionType, raw, a.Status, a.CreatedAt, emptyToNil(a.UpdatedBy)).Scan(&a.ID)
	if err != nil {
		return a, fmt.Errorf("insert action: %w", err)
	}
	return a, nil
}

// GetAction fetches an action by id.
func (s *Postgres) GetAction(ctx context.Context, id int64) (models.Action, error) {
	return scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM list_actions WHERE id = $1`, id))
}

// ListActions returns actions matching f, newest first.
func (s *Postgres) ListActions(ctx context.Context, f ListFilter) ([]models.Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM list_actions
		WHERE ($1 = 0 OR list_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR action_type = $3)
		ORDER BY created_at DESC, id DESC
	`, f.ListID, string(f.Status), string(f.Type))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAction performs a conditional status update.
func (s *Postgres) TransitionAction(ctx context.Context, id int64, from []models.ActionStatus, to models.ActionStatus, updatedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE list_actions SET status = $2, updated_at = NOW(), updated_by = COALESCE($4, updated_by)
		WHERE id = $1 AND status = ANY($3)
	`, id, to, statusStrings(from), emptyToNil(updatedBy))
	if err != nil {
		return false, fmt.Errorf("transition action %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- details ---

const detailColumns = `id, action_id, applicant_id, status, additional_config, created_at, updated_at, scheduled_at`

func scanDetail(row pgx.Row) (models.ActionDetail, error) {
	var d models.ActionDetail
	var cfg []byte
	if err := row.Scan(&d.ID, &d.ActionID, &d.ApplicantID, &d.Status, &cfg, &d.CreatedAt, &d.UpdatedAt, &d.ScheduledAt); err != nil {
		return d, notFound(err, "scan detail")
	}
	if len(cfg) > 0 {
		d.AdditionalConfig = json.RawMessage(cfg)
	}
	return d, nil
}

func collectDetails(rows pgx.Rows) ([]models.ActionDetail, error) {
	defer rows.Close()
	var out []models.ActionDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateDetail inserts a detail row. The (action_id, applicant_id) pair is unique.
func (s *Postgres) CreateDetail(ctx context.Context, d models.ActionDetail) (models.ActionDetail, error) {
	d.CreatedAt = time.Now().UTC()
	var cfg []byte
	if len(d.AdditionalConfig) > 0 {
		cfg = d.AdditionalConfig
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO action_details (action_id, applicant_id, status, additional_config, created_at, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`, d.ActionID, d.ApplicantID, d.Status, cfg, d.CreatedAt, d.ScheduledAt).Scan(&d.ID)
	if err != nil {
		return d, fmt.Errorf("insert detail: %w", err)
	}
	return d, nil
}

// GetDetail fetches the detail of one applicant under an action.
func (s *Postgres) GetDetail(ctx context.Context, actionID, applicantID int64) (models.ActionDetail, error) {
	return scanDetail(s.pool.QueryRow(ctx, `
		SELECT `+detailColumns+` FROM action_details WHERE action_id = $1 AND applicant_id = $2
	`, actionID, applicantID))
}

// ListDetails returns every detail under an action in creation order.
func (s *Postgres) ListDetails(ctx context.Context, actionID int64) ([]models.ActionDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+detailColumns+` FROM action_details WHERE action_id = $1 ORDER BY id
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("query details: %w", err)
	}
	return collectDetails(rows)
}

// TransitionDetail performs a conditional status update.
func (s *Postgres) TransitionDetail(ctx context.Context, actionID, applicantID int64, from []models.DetailStatus, to models.DetailStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_details SET status = $3, updated_at = NOW()
		WHERE action_id = $1 AND applicant_id = $2 AND status = ANY($4)
	`, actionID, applicantID, to, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("transition detail %d/%d: %w", actionID, applicantID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountDetails counts the details of an action in a given status.
func (s *Postgres) CountDetails(ctx context.Context, actionID int64, status models.DetailStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM action_details WHERE action_id = $1 AND status = $2
	`, actionID, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count details: %w", err)
	}
	return n, nil
}

// OverdueDetails lists SCHEDULED details whose slot passed before cutoff.
func (s *Postgres) OverdueDetails(ctx context.Context, cutoff time.Time, limit int) ([]models.ActionDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+detailColumns+` FROM action_details
		WHERE status = $1 AND scheduled_at < $2
		ORDER BY scheduled_at
		LIMIT $3
	`, models.DetailScheduled, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query overdue details: %w", err)
	}
	return collectDetails(rows)
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func execOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func unmarshalIDs(raw []byte, dst *[]int64) error {
	if len(raw) == 0 {
		*dst = []int64{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal applicants: %w", err)
	}
	return nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
