package study

import "context"

// Store describes persistence for studies, jobs, and the status history.
// Composite operations (SubmitStudy, ApproveStudy, RejectStudy,
// AppendStatus) re-read current state and write inside one unit of work, so
// two racing calls resolve to exactly one applied change and one no-op.
type Store interface {
	CreateStudy(ctx context.Context, st *Study) error
	GetStudy(ctx context.Context, id string) (Study, error)
	ListStudiesForOrg(ctx context.Context, orgID string) ([]Study, error)
	UpdateStudy(ctx context.Context, id string, upd StudyUpdate) error

	// DeleteStudy removes a draft; it fails with ErrHasJobs once any job
	// exists.
	DeleteStudy(ctx context.Context, id string) error

	// SubmitStudy moves DRAFT → PENDING-REVIEW and opens the first job with
	// a CODE-SUBMITTED change. The bool is false when the study was already
	// pending (retried submit is a no-op).
	SubmitStudy(ctx context.Context, studyID, userID string) (StudyJob, bool, error)

	// ApproveStudy marks the study APPROVED, records the reviewer, and
	// appends the given status (CODE-APPROVED, or JOB-READY when packaging
	// is skipped) to the latest job. The bool is false when the study was
	// already approved.
	ApproveStudy(ctx context.Context, studyID, reviewerID string, jobStatus JobStatus) (bool, error)

	// RejectStudy marks the study REJECTED and appends CODE-REJECTED to the
	// latest job. The bool is false when the study was already rejected.
	RejectStudy(ctx context.Context, studyID, reviewerID string) (bool, error)

	// ArchiveStudy moves the study to ARCHIVED. The bool is false when it
	// already was.
	ArchiveStudy(ctx context.Context, studyID string) (bool, error)

	// CreateJob opens a new job for a study (resubmission) with an initial
	// status change.
	CreateJob(ctx context.Context, studyID, userID string, initial JobStatus, message string) (StudyJob, error)

	GetJob(ctx context.Context, jobID string) (StudyJob, error)
	LatestJob(ctx context.Context, studyID string) (StudyJob, error)
	JobHistory(ctx context.Context, jobID string) ([]JobStatusChange, error)

	// CurrentStatus returns the most recent status change for a job.
	CurrentStatus(ctx context.Context, jobID string) (JobStatusChange, error)

	// AppendStatus records a transition after validating the edge against
	// the job's current status. Appending the status that is already current
	// is a no-op (applied=false), not an error, which makes retried
	// transitions idempotent.
	AppendStatus(ctx context.Context, jobID string, status JobStatus, userID, message string) (JobStatusChange, bool, error)

	// WithTx runs fn inside one unit of work; store calls made with the
	// given context join it. The in-memory store runs fn directly.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
