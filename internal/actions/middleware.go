package actions

import (
	"context"
	"errors"

	"studygate.org/internal/ability"
	"studygate.org/internal/action"
	"studygate.org/internal/study"
)

// loadStudy resolves the studyId argument and contributes the study plus the
// attributes later guards evaluate: orgId, status, researcherId.
func loadStudy(store study.Store) action.MiddlewareFunc {
	return func(ctx context.Context, args action.Args, _ *action.Context) (action.Fields, error) {
		st, err := store.GetStudy(ctx, args.String("studyId"))
		if errors.Is(err, study.ErrNotFound) {
			return nil, &action.NotFoundError{Entity: "study"}
		}
		if err != nil {
			return nil, err
		}
		return action.Fields{
			"study":        st,
			"orgId":        st.OrgID,
			"status":       string(st.Status),
			"researcherId": st.ResearcherID,
		}, nil
	}
}

// loadJob resolves the jobId argument to its job and study, contributing the
// same guard attributes as loadStudy.
func loadJob(store study.Store) action.MiddlewareFunc {
	return func(ctx context.Context, args action.Args, _ *action.Context) (action.Fields, error) {
		job, err := store.GetJob(ctx, args.String("jobId"))
		if errors.Is(err, study.ErrNotFound) {
			return nil, &action.NotFoundError{Entity: "job"}
		}
		if err != nil {
			return nil, err
		}
		st, err := store.GetStudy(ctx, job.StudyID)
		if errors.Is(err, study.ErrNotFound) {
			return nil, &action.NotFoundError{Entity: "study"}
		}
		if err != nil {
			return nil, err
		}
		return action.Fields{
			"job":          job,
			"study":        st,
			"orgId":        st.OrgID,
			"status":       string(st.Status),
			"researcherId": st.ResearcherID,
		}, nil
	}
}

// studyFromContext recovers the study a load middleware put in place.
func studyFromContext(ac *action.Context) (study.Study, bool) {
	v, ok := ac.Value("study")
	if !ok {
		return study.Study{}, false
	}
	st, ok := v.(study.Study)
	return st, ok
}

// jobFromContext recovers the job loadJob put in place.
func jobFromContext(ac *action.Context) (study.StudyJob, bool) {
	v, ok := ac.Value("job")
	if !ok {
		return study.StudyJob{}, false
	}
	job, ok := v.(study.StudyJob)
	return job, ok
}

// loadedSubject is the Translate used by actions whose subject is the loaded
// entity: the guard sees stored attributes, never caller input. The pipeline
// fills in the subject kind.
func loadedSubject(_ action.Args, ac *action.Context) ability.Subject {
	return ability.Subject{
		OrgID:        ac.String("orgId"),
		Status:       ac.String("status"),
		ResearcherID: ac.String("researcherId"),
	}
}
