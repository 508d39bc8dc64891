package study

import (
	"context"
	"strings"
	"sync"
	"time"

	"studygate.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and local development; production runs the Postgres store.
type InMemory struct {
	mu      sync.Mutex
	studies map[string]*Study
	jobs    map[string]*StudyJob
	history map[string][]JobStatusChange // jobID -> changes in append order
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		studies: make(map[string]*Study),
		jobs:    make(map[string]*StudyJob),
		history: make(map[string][]JobStatusChange),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateStudy(ctx context.Context, st *Study) error {
	if st == nil || strings.TrimSpace(st.Title) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.ID == "" {
		st.ID = ids.New()
	}
	if st.Status == "" {
		st.Status = StatusDraft
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	cp := *st
	s.studies[st.ID] = &cp
	return nil
}

func (s *InMemory) GetStudy(ctx context.Context, id string) (Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return Study{}, ErrNotFound
	}
	return *st, nil
}

func (s *InMemory) ListStudiesForOrg(ctx context.Context, orgID string) ([]Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Study
	for _, st := range s.studies {
		if st.OrgID == orgID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *InMemory) UpdateStudy(ctx context.Context, id string, upd StudyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Title != nil {
		st.Title = *upd.Title
	}
	if upd.PIName != nil {
		st.PIName = *upd.PIName
	}
	return nil
}

func (s *InMemory) DeleteStudy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[id]; !ok {
		return ErrNotFound
	}
	for _, job := range s.jobs {
		if job.StudyID == id {
			return ErrHasJobs
		}
	}
	delete(s.studies, id)
	return nil
}

func (s *InMemory) SubmitStudy(ctx context.Context, studyID, userID string) (StudyJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.studies[studyID]
	if !ok {
		return StudyJob{}, false, ErrNotFound
	}
	if st.Status == StatusPendingReview {
		job, err := s.latestJobLocked(studyID)
		if err != nil {
			return StudyJob{}, false, err
		}
		return job, false, nil
	}
	if st.Status != StatusDraft {
		return StudyJob{}, false, ErrNotPendingReview
	}
	st.Status = StatusPendingReview
	job := s.createJobLocked(studyID, userID, JobCodeSubmitted, "")
	return job, true, nil
}

func (s *InMemory) ApproveStudy(ctx context.Context, studyID, reviewerID string, jobStatus JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.studies[studyID]
	if !ok {
		return false, ErrNotFound
	}
	// Re-read current state before writing: a retried or racing approve
	// observes the applied state and no-ops.
	if st.Status == StatusApproved {
		return false, nil
	}
	if st.Status != StatusPendingReview {
		return false, ErrNotPendingReview
	}
	job, err := s.latestJobLocked(studyID)
	if err != nil {
		return false, err
	}
	if _, _, err := s.appendStatusLocked(job.ID, JobCodeApproved, reviewerID, ""); err != nil {
		return false, err
	}
	if jobStatus == JobReady {
		if _, _, err := s.appendStatusLocked(job.ID, JobReady, reviewerID, ""); err != nil {
			return false, err
		}
	}
	now := time.Now().UTC()
	st.Status = StatusApproved
	st.ApprovedAt = &now
	st.RejectedAt = nil
	st.ReviewerID = reviewerID
	return true, nil
}

func (s *InMemory) RejectStudy(ctx context.Context, studyID, reviewerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.studies[studyID]
	if !ok {
		return false, ErrNotFound
	}
	if st.Status == StatusRejected {
		return false, nil
	}
	if st.Status != StatusPendingReview {
		return false, ErrNotPendingReview
	}
	job, err := s.latestJobLocked(studyID)
	if err != nil {
		return false, err
	}
	if _, _, err := s.appendStatusLocked(job.ID, JobCodeRejected, reviewerID, ""); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	st.Status = StatusRejected
	st.RejectedAt = &now
	st.ApprovedAt = nil
	st.ReviewerID = reviewerID
	return true, nil
}

func (s *InMemory) ArchiveStudy(ctx context.Context, studyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[studyID]
	if !ok {
		return false, ErrNotFound
	}
	if st.Status == StatusArchived {
		return false, nil
	}
	st.Status = StatusArchived
	return true, nil
}

func (s *InMemory) CreateJob(ctx context.Context, studyID, userID string, initial JobStatus, message string) (StudyJob, error) {
	if !IsInitial(initial) {
		return StudyJob{}, ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[studyID]; !ok {
		return StudyJob{}, ErrNotFound
	}
	return s.createJobLocked(studyID, userID, initial, message), nil
}

func (s *InMemory) GetJob(ctx context.Context, jobID string) (StudyJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return StudyJob{}, ErrNotFound
	}
	return *job, nil
}

func (s *InMemory) LatestJob(ctx context.Context, studyID string) (StudyJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestJobLocked(studyID)
}

func (s *InMemory) JobHistory(ctx context.Context, jobID string) ([]JobStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes, ok := s.history[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]JobStatusChange, len(changes))
	copy(out, changes)
	return out, nil
}

func (s *InMemory) CurrentStatus(ctx context.Context, jobID string) (JobStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStatusLocked(jobID)
}

func (s *InMemory) AppendStatus(ctx context.Context, jobID string, status JobStatus, userID, message string) (JobStatusChange, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return JobStatusChange{}, false, ErrNotFound
	}
	return s.appendStatusLocked(jobID, status, userID, message)
}

// WithTx runs fn directly; the mutex around each operation already provides
// the atomicity the in-memory store can offer.
func (s *InMemory) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// --- locked helpers ---

func (s *InMemory) createJobLocked(studyID, userID string, initial JobStatus, message string) StudyJob {
	now := time.Now().UTC()
	job := StudyJob{ID: ids.NewAt(now), StudyID: studyID, CreatedAt: now}
	s.jobs[job.ID] = &job
	s.history[job.ID] = []JobStatusChange{{
		ID:         ids.NewAt(now),
		StudyJobID: job.ID,
		Status:     initial,
		UserID:     userID,
		Message:    message,
		CreatedAt:  now,
	}}
	return job
}

func (s *InMemory) latestJobLocked(studyID string) (StudyJob, error) {
	var latest *StudyJob
	for _, job := range s.jobs {
		if job.StudyID != studyID {
			continue
		}
		// ULIDs sort by creation time; the id breaks CreatedAt ties.
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) ||
			(job.CreatedAt.Equal(latest.CreatedAt) && job.ID > latest.ID) {
			latest = job
		}
	}
	if latest == nil {
		return StudyJob{}, ErrNoJob
	}
	return *latest, nil
}

func (s *InMemory) currentStatusLocked(jobID string) (JobStatusChange, error) {
	changes, ok := s.history[jobID]
	if !ok || len(changes) == 0 {
		return JobStatusChange{}, ErrNotFound
	}
	return changes[len(changes)-1], nil
}

func (s *InMemory) appendStatusLocked(jobID string, status JobStatus, userID, message string) (JobStatusChange, bool, error) {
	if !IsValid(status) {
		return JobStatusChange{}, false, ErrIllegalTransition
	}
	changes := s.history[jobID]
	if len(changes) == 0 {
		if !IsInitial(status) {
			return JobStatusChange{}, false, ErrIllegalTransition
		}
	} else {
		current := changes[len(changes)-1].Status
		if current == status {
			return changes[len(changes)-1], false, nil
		}
		if !CanTransition(current, status) {
			return JobStatusChange{}, false, ErrIllegalTransition
		}
	}
	now := time.Now().UTC()
	change := JobStatusChange{
		ID:         ids.NewAt(now),
		StudyJobID: jobID,
		Status:     status,
		UserID:     userID,
		Message:    message,
		CreatedAt:  now,
	}
	s.history[jobID] = append(changes, change)
	return change, true, nil
}
