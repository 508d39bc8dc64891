package actions

import (
	"context"
	"errors"

	"studygate.org/internal/ability"
	"studygate.org/internal/action"
	"studygate.org/internal/audit"
	"studygate.org/internal/keys"
	"studygate.org/internal/study"
)

// jobStatusNames is the transition vocabulary runner callbacks may record.
// Review decisions (CODE-APPROVED, CODE-REJECTED, FILES-*) only happen
// through their dedicated actions.
var jobStatusNames = []string{
	string(study.JobInitiated),
	string(study.JobCodeSubmitted),
	string(study.JobCodeScanned),
	string(study.JobPackaging),
	string(study.JobReady),
	string(study.JobRunning),
	string(study.JobRunComplete),
	string(study.JobErrored),
}

func createStudyJob(d Deps) *action.Action {
	return action.New("createStudyJob").
		Params(action.NewSchema(
			action.RequiredStr("studyId"),
			action.Str("message"),
		)).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionCreate, ability.SubjectStudyJob,
			action.Translate(loadedSubject, "orgId", "researcherId")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			if st.Status == study.StatusArchived {
				return nil, action.Failf("archived studies cannot receive new jobs")
			}
			job, err := d.Store.CreateJob(ctx, st.ID, ac.Session.UserID, study.JobCodeSubmitted, args.String("message"))
			if err != nil {
				return nil, err
			}
			change, err := d.Store.CurrentStatus(ctx, job.ID)
			if err == nil {
				ac.OnSuccess(func() { d.Stream.PublishChange(st.ID, change) })
			}
			_ = audit.LogEvent(ctx, "job.created", map[string]any{"studyId": st.ID, "jobId": job.ID})
			return job, nil
		})
}

func recordJobStatus(d Deps) *action.Action {
	return action.New("recordJobStatus").
		Params(action.NewSchema(
			action.RequiredStr("jobId"),
			action.Enum("status", jobStatusNames...),
			action.Str("message"),
		)).
		Middleware("loadJob", loadJob(d.Store), "job", "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectStudyJob,
			action.Translate(loadedSubject, "orgId", "researcherId")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			job, _ := jobFromContext(ac)
			st, _ := studyFromContext(ac)
			change, applied, err := d.Store.AppendStatus(ctx, job.ID, study.JobStatus(args.String("status")), ac.Session.UserID, args.String("message"))
			if errors.Is(err, study.ErrIllegalTransition) {
				return nil, action.Failf("status %s is not reachable from the job's current state", args.String("status"))
			}
			if err != nil {
				return nil, err
			}
			if applied {
				ac.OnSuccess(func() { d.Stream.PublishChange(st.ID, change) })
			}
			return map[string]any{"jobId": job.ID, "status": change.Status, "applied": applied}, nil
		})
}

func approveJobFiles(d Deps) *action.Action {
	return reviewJobFiles(d, "approveJobFiles", study.JobFilesApproved, "job.files_approved")
}

func rejectJobFiles(d Deps) *action.Action {
	return reviewJobFiles(d, "rejectJobFiles", study.JobFilesRejected, "job.files_rejected")
}

// reviewJobFiles is the shared shape of the two output review decisions: same
// schema, same guard, different terminal status.
func reviewJobFiles(d Deps, name string, status study.JobStatus, auditEvent string) *action.Action {
	return action.New(name).
		Params(action.NewSchema(
			action.RequiredStr("jobId"),
			action.Str("message"),
		)).
		Middleware("loadJob", loadJob(d.Store), "job", "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionReview, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			job, _ := jobFromContext(ac)
			st, _ := studyFromContext(ac)
			change, applied, err := d.Store.AppendStatus(ctx, job.ID, status, ac.Session.UserID, args.String("message"))
			if errors.Is(err, study.ErrIllegalTransition) {
				return nil, action.Failf("job run is not complete")
			}
			if err != nil {
				return nil, err
			}
			if applied {
				ac.OnSuccess(func() { d.Stream.PublishChange(st.ID, change) })
				_ = audit.LogEvent(ctx, auditEvent, map[string]any{"studyId": st.ID, "jobId": job.ID})
			}
			return map[string]any{"jobId": job.ID, "status": change.Status, "applied": applied}, nil
		})
}

func requestJobResults(d Deps) *action.Action {
	return action.New("requestJobResults").
		Params(action.NewSchema(action.RequiredStr("jobId"))).
		Middleware("loadJob", loadJob(d.Store), "job", "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionReview, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId")).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			job, _ := jobFromContext(ac)
			st, _ := studyFromContext(ac)
			current, err := d.Store.CurrentStatus(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			if current.Status != study.JobFilesApproved {
				return nil, action.Failf("job results are not released")
			}
			recipients, err := d.Keys.Recipients(ctx, st.OrgID)
			if errors.Is(err, keys.ErrNoActiveKey) {
				return nil, action.Failf("org has no active reviewer key")
			}
			if err != nil {
				return nil, err
			}
			fingerprints := make([]string, 0, len(recipients))
			for _, r := range recipients {
				fingerprints = append(fingerprints, r.Fingerprint)
			}
			_ = audit.LogEvent(ctx, "job.results_requested", map[string]any{"studyId": st.ID, "jobId": job.ID})
			return map[string]any{"jobId": job.ID, "recipients": fingerprints}, nil
		})
}
