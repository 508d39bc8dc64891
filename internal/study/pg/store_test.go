package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"studygate.org/internal/study"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestGetStudyNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select (.+) from studies where id=").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetStudy(context.Background(), "missing"); !errors.Is(err, study.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitStudyOpensJobInOneTx(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from studies where id=(.+) for update").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("DRAFT"))
	mock.ExpectExec("update studies set status=").WithArgs("st1", study.StatusPendingReview).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into study_jobs").WithArgs(sqlmock.AnyArg(), "st1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into job_status_changes").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), study.JobCodeSubmitted, "user-res", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	job, applied, err := s.SubmitStudy(context.Background(), "st1", "user-res")
	if err != nil {
		t.Fatalf("SubmitStudy: %v", err)
	}
	if !applied || job.StudyID != "st1" {
		t.Fatalf("applied=%v job=%+v", applied, job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitStudyAlreadyPendingNoOps(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("select status from studies where id=(.+) for update").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING-REVIEW"))
	mock.ExpectQuery("select id, study_id, created_at from study_jobs").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "study_id", "created_at"}).AddRow("job1", "st1", created))
	mock.ExpectCommit()

	job, applied, err := s.SubmitStudy(context.Background(), "st1", "user-res")
	if err != nil {
		t.Fatalf("SubmitStudy: %v", err)
	}
	if applied || job.ID != "job1" {
		t.Fatalf("expected no-op returning existing job, got applied=%v job=%+v", applied, job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApproveStudyAlreadyApprovedNoOps(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from studies where id=(.+) for update").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("APPROVED"))
	mock.ExpectCommit()

	applied, err := s.ApproveStudy(context.Background(), "st1", "user-rev", study.JobCodeApproved)
	if err != nil {
		t.Fatalf("ApproveStudy: %v", err)
	}
	if applied {
		t.Fatal("expected no-op")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApproveStudyRollsBackOnIllegalEdge(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("select status from studies where id=(.+) for update").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING-REVIEW"))
	mock.ExpectQuery("select id, study_id, created_at from study_jobs").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "study_id", "created_at"}).AddRow("job1", "st1", created))
	mock.ExpectQuery("select 1 from study_jobs where id=(.+) for update").WithArgs("job1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	// Current status CODE-SUBMITTED cannot jump straight to CODE-APPROVED.
	mock.ExpectQuery("select id, study_job_id, status").WithArgs("job1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "study_job_id", "status", "user_id", "message", "created_at"}).
			AddRow("ch1", "job1", "CODE-SUBMITTED", "", "", created))
	mock.ExpectRollback()

	_, err := s.ApproveStudy(context.Background(), "st1", "user-rev", study.JobCodeApproved)
	if !errors.Is(err, study.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendStatusSameStatusNoOps(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from study_jobs where id=(.+) for update").WithArgs("job1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select id, study_job_id, status").WithArgs("job1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "study_job_id", "status", "user_id", "message", "created_at"}).
			AddRow("ch1", "job1", "CODE-SCANNED", "", "", created))
	mock.ExpectCommit()

	change, applied, err := s.AppendStatus(context.Background(), "job1", study.JobCodeScanned, "user-res", "")
	if err != nil {
		t.Fatalf("AppendStatus: %v", err)
	}
	if applied || change.ID != "ch1" {
		t.Fatalf("expected no-op echoing current change, got applied=%v change=%+v", applied, change)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteStudyBlockedByJobs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from studies where id=(.+) for update").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("DRAFT"))
	mock.ExpectQuery("select count(.+) from study_jobs").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	if err := s.DeleteStudy(context.Background(), "st1"); !errors.Is(err, study.ErrHasJobs) {
		t.Fatalf("expected ErrHasJobs, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTxJoinsOuterTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update studies set title").
		WithArgs("st1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select status from studies where id=(.+) for update").WithArgs("st1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("DRAFT"))
	mock.ExpectCommit()

	title := "Renamed"
	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		if err := s.UpdateStudy(ctx, "st1", study.StudyUpdate{Title: &title}); err != nil {
			return err
		}
		// Nested WithTx must not open a second transaction.
		return s.WithTx(ctx, func(ctx context.Context) error {
			_, err := s.lockStudy(ctx, "st1")
			return err
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
