package study

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newDraft(t *testing.T, s *InMemory) Study {
	t.Helper()
	st := Study{Title: "Vaccine uptake cohort", PIName: "Dr. Ada", OrgID: "org-enclave", SubmittedByOrgID: "org-lab", ResearcherID: "user-res"}
	if err := s.CreateStudy(context.Background(), &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSubmitOpensFirstJob(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)

	job, applied, err := s.SubmitStudy(ctx, st.ID, "user-res")
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("first submit must apply")
	}
	got, _ := s.GetStudy(ctx, st.ID)
	if got.Status != StatusPendingReview {
		t.Fatalf("status=%s, want %s", got.Status, StatusPendingReview)
	}
	cur, err := s.CurrentStatus(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != JobCodeSubmitted {
		t.Fatalf("job status=%s, want %s", cur.Status, JobCodeSubmitted)
	}

	// Retried submit no-ops and returns the same job.
	again, applied, err := s.SubmitStudy(ctx, st.ID, "user-res")
	if err != nil {
		t.Fatal(err)
	}
	if applied || again.ID != job.ID {
		t.Fatalf("retried submit: applied=%v job=%s, want no-op with job %s", applied, again.ID, job.ID)
	}
}

func TestApproveAppendsAndIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	job, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")
	if _, _, err := s.AppendStatus(ctx, job.ID, JobCodeScanned, "", "scan clean"); err != nil {
		t.Fatal(err)
	}

	applied, err := s.ApproveStudy(ctx, st.ID, "user-rev", JobCodeApproved)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("first approve must apply")
	}
	got, _ := s.GetStudy(ctx, st.ID)
	if got.Status != StatusApproved || got.ReviewerID != "user-rev" || got.ApprovedAt == nil {
		t.Fatalf("unexpected study after approve: %+v", got)
	}
	cur, _ := s.CurrentStatus(ctx, job.ID)
	if cur.Status != JobCodeApproved {
		t.Fatalf("job status=%s, want %s", cur.Status, JobCodeApproved)
	}

	applied, err = s.ApproveStudy(ctx, st.ID, "user-rev2", JobCodeApproved)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("second approve must no-op")
	}
	got, _ = s.GetStudy(ctx, st.ID)
	if got.ReviewerID != "user-rev" {
		t.Fatalf("no-op approve rewrote reviewer: %s", got.ReviewerID)
	}
	history, _ := s.JobHistory(ctx, job.ID)
	if len(history) != 3 {
		t.Fatalf("history len=%d, want 3", len(history))
	}
}

func TestApproveSkipsToReadyWhenPackagingDisabled(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	job, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")
	s.AppendStatus(ctx, job.ID, JobCodeScanned, "", "")

	if _, err := s.ApproveStudy(ctx, st.ID, "user-rev", JobReady); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.CurrentStatus(ctx, job.ID)
	if cur.Status != JobReady {
		t.Fatalf("job status=%s, want %s", cur.Status, JobReady)
	}
	history, _ := s.JobHistory(ctx, job.ID)
	if err := ValidateHistory(history); err != nil {
		t.Fatalf("approve produced invalid history: %v", err)
	}
}

func TestApproveOutsidePendingReview(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)

	if _, err := s.ApproveStudy(ctx, st.ID, "user-rev", JobCodeApproved); !errors.Is(err, ErrNotPendingReview) {
		t.Fatalf("expected ErrNotPendingReview for draft, got %v", err)
	}
	if _, err := s.ApproveStudy(ctx, "missing", "user-rev", JobCodeApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectStudy(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	job, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")
	s.AppendStatus(ctx, job.ID, JobCodeScanned, "", "")

	applied, err := s.RejectStudy(ctx, st.ID, "user-rev")
	if err != nil || !applied {
		t.Fatalf("reject: applied=%v err=%v", applied, err)
	}
	got, _ := s.GetStudy(ctx, st.ID)
	if got.Status != StatusRejected || got.RejectedAt == nil {
		t.Fatalf("unexpected study after reject: %+v", got)
	}
	cur, _ := s.CurrentStatus(ctx, job.ID)
	if cur.Status != JobCodeRejected {
		t.Fatalf("job status=%s, want %s", cur.Status, JobCodeRejected)
	}
	if applied, _ := s.RejectStudy(ctx, st.ID, "user-rev"); applied {
		t.Fatal("second reject must no-op")
	}
}

func TestAppendStatusValidatesEdges(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	job, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")

	// Skipping CODE-SCANNED is illegal.
	if _, _, err := s.AppendStatus(ctx, job.ID, JobCodeApproved, "", ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	// Same status again is an idempotent no-op.
	change, applied, err := s.AppendStatus(ctx, job.ID, JobCodeSubmitted, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("same-status append must no-op")
	}
	if change.Status != JobCodeSubmitted {
		t.Fatalf("no-op must echo current change, got %s", change.Status)
	}
	if _, _, err := s.AppendStatus(ctx, job.ID, "BOGUS", "", ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown status, got %v", err)
	}
	if _, _, err := s.AppendStatus(ctx, "missing", JobCodeScanned, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAppendExactlyOneApplies(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	job, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.AppendStatus(ctx, job.ID, JobCodeScanned, "", "")
			if err != nil {
				return
			}
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if appliedCount != 1 {
		t.Fatalf("applied %d times, want exactly 1", appliedCount)
	}
	history, _ := s.JobHistory(ctx, job.ID)
	if len(history) != 2 {
		t.Fatalf("history len=%d, want 2", len(history))
	}
	if err := ValidateHistory(history); err != nil {
		t.Fatalf("concurrent appends corrupted history: %v", err)
	}
}

func TestConcurrentApproveExactlyOneApplies(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	job, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")
	s.AppendStatus(ctx, job.ID, JobCodeScanned, "", "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.ApproveStudy(ctx, st.ID, "user-rev", JobCodeApproved)
			if err != nil {
				return
			}
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if appliedCount != 1 {
		t.Fatalf("applied %d times, want exactly 1", appliedCount)
	}
}

func TestDeleteStudyBlockedByJobs(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	if err := s.DeleteStudy(ctx, st.ID); err != nil {
		t.Fatalf("draft with no jobs must delete: %v", err)
	}

	st2 := newDraft(t, s)
	s.SubmitStudy(ctx, st2.ID, "user-res")
	if err := s.DeleteStudy(ctx, st2.ID); !errors.Is(err, ErrHasJobs) {
		t.Fatalf("expected ErrHasJobs, got %v", err)
	}
}

func TestResubmissionCreatesNewLatestJob(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)
	first, _, _ := s.SubmitStudy(ctx, st.ID, "user-res")

	second, err := s.CreateJob(ctx, st.ID, "user-res", JobCodeSubmitted, "revised code")
	if err != nil {
		t.Fatal(err)
	}
	latest, err := s.LatestJob(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest=%s, want %s (first was %s)", latest.ID, second.ID, first.ID)
	}
	if _, err := s.CreateJob(ctx, st.ID, "user-res", JobRunning, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for non-initial status, got %v", err)
	}
}

func TestUpdateStudyPartialFields(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)

	title := "Renamed cohort"
	if err := s.UpdateStudy(ctx, st.ID, StudyUpdate{Title: &title}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetStudy(ctx, st.ID)
	if got.Title != title || got.PIName != st.PIName {
		t.Fatalf("partial update touched wrong fields: %+v", got)
	}
	if err := s.UpdateStudy(ctx, "missing", StudyUpdate{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveStudy(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	st := newDraft(t, s)

	applied, err := s.ArchiveStudy(ctx, st.ID)
	if err != nil || !applied {
		t.Fatalf("archive: applied=%v err=%v", applied, err)
	}
	if applied, _ := s.ArchiveStudy(ctx, st.ID); applied {
		t.Fatal("second archive must no-op")
	}
	got, _ := s.GetStudy(ctx, st.ID)
	if got.Status != StatusArchived {
		t.Fatalf("status=%s, want %s", got.Status, StatusArchived)
	}
}

func TestListStudiesForOrg(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	newDraft(t, s)
	newDraft(t, s)
	other := Study{Title: "Elsewhere", OrgID: "org-other", ResearcherID: "user-x"}
	s.CreateStudy(ctx, &other)

	list, err := s.ListStudiesForOrg(ctx, "org-enclave")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len=%d, want 2", len(list))
	}
}
