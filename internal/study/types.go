// Package study holds the study/job domain model: submitted research
// requests, their execution jobs, and the append-only status history that
// defines each job's current state.
package study

import (
	"errors"
	"time"
)

// Status is a study's review state.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING-REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusArchived      Status = "ARCHIVED"
)

// JobStatus is one step of a job's lifecycle. A job's current status is
// derived from its most recent JobStatusChange, never stored denormalized.
type JobStatus string

const (
	JobInitiated     JobStatus = "INITIATED"
	JobCodeSubmitted JobStatus = "CODE-SUBMITTED"
	JobCodeScanned   JobStatus = "CODE-SCANNED"
	JobCodeApproved  JobStatus = "CODE-APPROVED"
	JobCodeRejected  JobStatus = "CODE-REJECTED"
	JobPackaging     JobStatus = "JOB-PACKAGING"
	JobReady         JobStatus = "JOB-READY"
	JobRunning       JobStatus = "JOB-RUNNING"
	JobRunComplete   JobStatus = "RUN-COMPLETE"
	JobFilesApproved JobStatus = "FILES-APPROVED"
	JobFilesRejected JobStatus = "FILES-REJECTED"
	JobErrored       JobStatus = "JOB-ERRORED"
)

// Study is a submitted research request. Status moves only through guarded
// actions; a study is never hard-deleted once it has an associated job.
type Study struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	PIName           string     `json:"piName"`
	Status           Status     `json:"status"`
	OrgID            string     `json:"orgId"`            // reviewing org
	SubmittedByOrgID string     `json:"submittedByOrgId"` // submitting org
	ResearcherID     string     `json:"researcherId"`
	ReviewerID       string     `json:"reviewerId,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	RejectedAt       *time.Time `json:"rejectedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// StudyJob is one execution attempt of a study's code. A study accumulates
// jobs over time; "the current job" is the most recently created one.
type StudyJob struct {
	ID        string    `json:"id"`
	StudyID   string    `json:"studyId"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusChange is one immutable history row. Rows are only ever appended.
type JobStatusChange struct {
	ID         string    `json:"id"`
	StudyJobID string    `json:"studyJobId"`
	Status     JobStatus `json:"status"`
	UserID     string    `json:"userId,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

var (
	ErrNotFound          = errors.New("study: not found")
	ErrInvalidInput      = errors.New("study: invalid input")
	ErrNoJob             = errors.New("study: no job exists for study")
	ErrNotPendingReview  = errors.New("study: study is not pending review")
	ErrHasJobs           = errors.New("study: study has jobs and cannot be deleted")
	ErrIllegalTransition = errors.New("study: illegal status transition")
)

// StudyUpdate carries the mutable study fields for an update. Nil pointers
// leave the column untouched.
type StudyUpdate struct {
	Title  *string
	PIName *string
}
