// Package pg is the Postgres-backed study store. Composite operations lock
// the study row with `for update` and re-read state inside the transaction,
// so concurrent transitions resolve to one applied change.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"studygate.org/internal/ids"
	"studygate.org/internal/study"
)

type Store struct {
	db *sql.DB
}

var _ study.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction. Store calls made with the context fn
// receives join the same transaction; nested calls join the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateStudy(ctx context.Context, st *study.Study) error {
	if st == nil || st.Title == "" {
		return study.ErrInvalidInput
	}
	if st.ID == "" {
		st.ID = ids.New()
	}
	if st.Status == "" {
		st.Status = study.StatusDraft
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into studies(id, title, pi_name, status, org_id, submitted_by_org_id, researcher_id, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, st.ID, st.Title, st.PIName, st.Status, st.OrgID, st.SubmittedByOrgID, st.ResearcherID, st.CreatedAt)
	return err
}

const studyColumns = `id, title, pi_name, status, org_id, submitted_by_org_id, researcher_id,
	coalesce(reviewer_id,''), approved_at, rejected_at, created_at`

func scanStudy(row interface{ Scan(...any) error }) (study.Study, error) {
	var st study.Study
	err := row.Scan(&st.ID, &st.Title, &st.PIName, &st.Status, &st.OrgID, &st.SubmittedByOrgID,
		&st.ResearcherID, &st.ReviewerID, &st.ApprovedAt, &st.RejectedAt, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return study.Study{}, study.ErrNotFound
	}
	return st, err
}

func (s *Store) GetStudy(ctx context.Context, id string) (study.Study, error) {
	return scanStudy(s.q(ctx).QueryRowContext(ctx, `select `+studyColumns+` from studies where id=$1`, id))
}

func (s *Store) ListStudiesForOrg(ctx context.Context, orgID string) ([]study.Study, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select `+studyColumns+` from studies where org_id=$1 order by created_at desc, id desc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []study.Study
	for rows.Next() {
		st, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStudy(ctx context.Context, id string, upd study.StudyUpdate) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update studies set title = coalesce($2, title), pi_name = coalesce($3, pi_name)
		where id=$1
	`, id, upd.Title, upd.PIName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return study.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteStudy(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockStudy(ctx, id); err != nil {
			return err
		}
		var jobs int
		if err := s.q(ctx).QueryRowContext(ctx, `select count(*) from study_jobs where study_id=$1`, id).Scan(&jobs); err != nil {
			return err
		}
		if jobs > 0 {
			return study.ErrHasJobs
		}
		_, err := s.q(ctx).ExecContext(ctx, `delete from studies where id=$1`, id)
		return err
	})
}

func (s *Store) SubmitStudy(ctx context.Context, studyID, userID string) (study.StudyJob, bool, error) {
	var job study.StudyJob
	var applied bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		status, err := s.lockStudy(ctx, studyID)
		if err != nil {
			return err
		}
		if status == study.StatusPendingReview {
			job, err = s.LatestJob(ctx, studyID)
			return err
		}
		if status != study.StatusDraft {
			return study.ErrNotPendingReview
		}
		if _, err := s.q(ctx).ExecContext(ctx, `update studies set status=$2 where id=$1`, studyID, study.StatusPendingReview); err != nil {
			return err
		}
		job, err = s.insertJob(ctx, studyID, userID, study.JobCodeSubmitted, "")
		applied = err == nil
		return err
	})
	return job, applied, err
}

func (s *Store) ApproveStudy(ctx context.Context, studyID, reviewerID string, jobStatus study.JobStatus) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		status, err := s.lockStudy(ctx, studyID)
		if err != nil {
			return err
		}
		if status == study.StatusApproved {
			return nil
		}
		if status != study.StatusPendingReview {
			return study.ErrNotPendingReview
		}
		job, err := s.LatestJob(ctx, studyID)
		if err != nil {
			return err
		}
		if _, _, err := s.AppendStatus(ctx, job.ID, study.JobCodeApproved, reviewerID, ""); err != nil {
			return err
		}
		if jobStatus == study.JobReady {
			if _, _, err := s.AppendStatus(ctx, job.ID, study.JobReady, reviewerID, ""); err != nil {
				return err
			}
		}
		if _, err := s.q(ctx).ExecContext(ctx, `
			update studies set status=$2, reviewer_id=$3, approved_at=now(), rejected_at=null where id=$1
		`, studyID, study.StatusApproved, reviewerID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) RejectStudy(ctx context.Context, studyID, reviewerID string) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		status, err := s.lockStudy(ctx, studyID)
		if err != nil {
			return err
		}
		if status == study.StatusRejected {
			return nil
		}
		if status != study.StatusPendingReview {
			return study.ErrNotPendingReview
		}
		job, err := s.LatestJob(ctx, studyID)
		if err != nil {
			return err
		}
		if _, _, err := s.AppendStatus(ctx, job.ID, study.JobCodeRejected, reviewerID, ""); err != nil {
			return err
		}
		if _, err := s.q(ctx).ExecContext(ctx, `
			update studies set status=$2, reviewer_id=$3, rejected_at=now(), approved_at=null where id=$1
		`, studyID, study.StatusRejected, reviewerID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) ArchiveStudy(ctx context.Context, studyID string) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		status, err := s.lockStudy(ctx, studyID)
		if err != nil {
			return err
		}
		if status == study.StatusArchived {
			return nil
		}
		_, err = s.q(ctx).ExecContext(ctx, `update studies set status=$2 where id=$1`, studyID, study.StatusArchived)
		applied = err == nil
		return err
	})
	return applied, err
}

func (s *Store) CreateJob(ctx context.Context, studyID, userID string, initial study.JobStatus, message string) (study.StudyJob, error) {
	if !study.IsInitial(initial) {
		return study.StudyJob{}, study.ErrIllegalTransition
	}
	var job study.StudyJob
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockStudy(ctx, studyID); err != nil {
			return err
		}
		var err error
		job, err = s.insertJob(ctx, studyID, userID, initial, message)
		return err
	})
	return job, err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (study.StudyJob, error) {
	var job study.StudyJob
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, study_id, created_at from study_jobs where id=$1
	`, jobID).Scan(&job.ID, &job.StudyID, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return study.StudyJob{}, study.ErrNotFound
	}
	return job, err
}

func (s *Store) LatestJob(ctx context.Context, studyID string) (study.StudyJob, error) {
	var job study.StudyJob
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, study_id, created_at from study_jobs
		where study_id=$1 order by created_at desc, id desc limit 1
	`, studyID).Scan(&job.ID, &job.StudyID, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return study.StudyJob{}, study.ErrNoJob
	}
	return job, err
}

func (s *Store) JobHistory(ctx context.Context, jobID string) ([]study.JobStatusChange, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select id, study_job_id, status, coalesce(user_id,''), coalesce(message,''), created_at
		from job_status_changes where study_job_id=$1 order by created_at asc, id asc
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []study.JobStatusChange
	for rows.Next() {
		var c study.JobStatusChange
		if err := rows.Scan(&c.ID, &c.StudyJobID, &c.Status, &c.UserID, &c.Message, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, study.ErrNotFound
	}
	return out, nil
}

func (s *Store) CurrentStatus(ctx context.Context, jobID string) (study.JobStatusChange, error) {
	var c study.JobStatusChange
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, study_job_id, status, coalesce(user_id,''), coalesce(message,''), created_at
		from job_status_changes where study_job_id=$1 order by created_at desc, id desc limit 1
	`, jobID).Scan(&c.ID, &c.StudyJobID, &c.Status, &c.UserID, &c.Message, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return study.JobStatusChange{}, study.ErrNotFound
	}
	return c, err
}

func (s *Store) AppendStatus(ctx context.Context, jobID string, status study.JobStatus, userID, message string) (study.JobStatusChange, bool, error) {
	var change study.JobStatusChange
	var applied bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		// Lock the job so the current-status read and the insert are one step.
		var dummy int
		err := s.q(ctx).QueryRowContext(ctx, `select 1 from study_jobs where id=$1 for update`, jobID).Scan(&dummy)
		if errors.Is(err, sql.ErrNoRows) {
			return study.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !study.IsValid(status) {
			return study.ErrIllegalTransition
		}

		current, err := s.CurrentStatus(ctx, jobID)
		switch {
		case errors.Is(err, study.ErrNotFound):
			if !study.IsInitial(status) {
				return study.ErrIllegalTransition
			}
		case err != nil:
			return err
		case current.Status == status:
			change = current
			return nil
		case !study.CanTransition(current.Status, status):
			return study.ErrIllegalTransition
		}

		change, err = s.insertChange(ctx, jobID, status, userID, message)
		applied = err == nil
		return err
	})
	return change, applied, err
}

// --- helpers ---

// lockStudy takes a row lock and returns the current status.
func (s *Store) lockStudy(ctx context.Context, id string) (study.Status, error) {
	var status study.Status
	err := s.q(ctx).QueryRowContext(ctx, `select status from studies where id=$1 for update`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", study.ErrNotFound
	}
	return status, err
}

func (s *Store) insertJob(ctx context.Context, studyID, userID string, initial study.JobStatus, message string) (study.StudyJob, error) {
	now := time.Now().UTC()
	job := study.StudyJob{ID: ids.NewAt(now), StudyID: studyID, CreatedAt: now}
	if _, err := s.q(ctx).ExecContext(ctx, `
		insert into study_jobs(id, study_id, created_at) values ($1,$2,$3)
	`, job.ID, job.StudyID, job.CreatedAt); err != nil {
		return study.StudyJob{}, err
	}
	if _, err := s.insertChange(ctx, job.ID, initial, userID, message); err != nil {
		return study.StudyJob{}, err
	}
	return job, nil
}

func (s *Store) insertChange(ctx context.Context, jobID string, status study.JobStatus, userID, message string) (study.JobStatusChange, error) {
	now := time.Now().UTC()
	change := study.JobStatusChange{
		ID:         ids.NewAt(now),
		StudyJobID: jobID,
		Status:     status,
		UserID:     userID,
		Message:    message,
		CreatedAt:  now,
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into job_status_changes(id, study_job_id, status, user_id, message, created_at)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6)
	`, change.ID, change.StudyJobID, change.Status, change.UserID, change.Message, change.CreatedAt)
	if err != nil {
		return study.JobStatusChange{}, err
	}
	return change, nil
}
