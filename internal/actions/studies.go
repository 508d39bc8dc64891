package actions

import (
	"context"
	"errors"

	"studygate.org/internal/ability"
	"studygate.org/internal/action"
	"studygate.org/internal/audit"
	"studygate.org/internal/study"
)

func createStudy(d Deps) *action.Action {
	return action.New("createStudy").
		Params(action.NewSchema(
			action.RequiredStr("title"),
			action.Str("piName"),
			action.RequiredStr("orgId"),
			action.Str("submittedByOrgId"),
		)).
		RequireAbilityTo(ability.ActionCreate, ability.SubjectStudy).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st := study.Study{
				Title:            args.String("title"),
				PIName:           args.String("piName"),
				OrgID:            args.String("orgId"),
				SubmittedByOrgID: args.String("submittedByOrgId"),
				ResearcherID:     ac.Session.UserID,
			}
			if st.SubmittedByOrgID == "" {
				st.SubmittedByOrgID = st.OrgID
			}
			if err := d.Store.CreateStudy(ctx, &st); err != nil {
				return nil, err
			}
			_ = audit.LogEvent(ctx, "study.created", map[string]any{"studyId": st.ID, "orgId": st.OrgID})
			return st, nil
		})
}

func getStudy(d Deps) *action.Action {
	return action.New("getStudy").
		Params(action.NewSchema(action.RequiredStr("studyId"))).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionView, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId")).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			out := map[string]any{"study": st}
			job, err := d.Store.LatestJob(ctx, st.ID)
			switch {
			case errors.Is(err, study.ErrNoJob):
				return out, nil
			case err != nil:
				return nil, err
			}
			current, err := d.Store.CurrentStatus(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			out["latestJob"] = map[string]any{"id": job.ID, "status": current.Status, "createdAt": job.CreatedAt}
			return out, nil
		})
}

func fetchStudiesForOrg(d Deps) *action.Action {
	return action.New("fetchStudiesForOrg").
		Params(action.NewSchema(action.RequiredStr("orgId"))).
		RequireAbilityTo(ability.ActionView, ability.SubjectStudy).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			list, err := d.Store.ListStudiesForOrg(ctx, args.String("orgId"))
			if err != nil {
				return nil, err
			}
			if list == nil {
				list = []study.Study{}
			}
			return map[string]any{"studies": list}, nil
		})
}

func updateStudy(d Deps) *action.Action {
	return action.New("updateStudy").
		Params(action.NewSchema(
			action.RequiredStr("studyId"),
			action.Str("title"),
			action.Str("piName"),
		)).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId", "status", "researcherId")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			if st.Status != study.StatusDraft {
				return nil, action.Failf("only draft studies can be edited")
			}
			upd := study.StudyUpdate{}
			if v, ok := args["title"]; ok {
				title := v.(string)
				upd.Title = &title
			}
			if v, ok := args["piName"]; ok {
				pi := v.(string)
				upd.PIName = &pi
			}
			if err := d.Store.UpdateStudy(ctx, st.ID, upd); err != nil {
				return nil, err
			}
			return d.Store.GetStudy(ctx, st.ID)
		})
}

func submitStudy(d Deps) *action.Action {
	return action.New("submitStudy").
		Params(action.NewSchema(action.RequiredStr("studyId"))).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId", "status", "researcherId")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			if st.Status != study.StatusDraft && st.Status != study.StatusPendingReview {
				return nil, action.Failf("study is not submittable in status %s", st.Status)
			}
			job, applied, err := d.Store.SubmitStudy(ctx, st.ID, ac.Session.UserID)
			if err != nil {
				return nil, err
			}
			if applied {
				change, err := d.Store.CurrentStatus(ctx, job.ID)
				if err == nil {
					ac.OnSuccess(func() { d.Stream.PublishChange(st.ID, change) })
				}
				_ = audit.LogEvent(ctx, "study.submitted", map[string]any{"studyId": st.ID, "jobId": job.ID})
			}
			return map[string]any{"studyId": st.ID, "jobId": job.ID, "status": study.StatusPendingReview, "applied": applied}, nil
		})
}

func approveStudyProposal(d Deps) *action.Action {
	return action.New("approveStudyProposal").
		Params(action.NewSchema(action.RequiredStr("studyId"))).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionApprove, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId", "status")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			jobStatus := study.JobCodeApproved
			if d.SkipImageBuild {
				jobStatus = study.JobReady
			}
			applied, err := d.Store.ApproveStudy(ctx, st.ID, ac.Session.UserID, jobStatus)
			if errors.Is(err, study.ErrNoJob) {
				return nil, action.Failf("study has no submitted job to approve")
			}
			if errors.Is(err, study.ErrIllegalTransition) {
				return nil, action.Failf("job is not in a reviewable state")
			}
			if err != nil {
				return nil, err
			}
			if applied {
				if job, jerr := d.Store.LatestJob(ctx, st.ID); jerr == nil {
					if change, cerr := d.Store.CurrentStatus(ctx, job.ID); cerr == nil {
						ac.OnSuccess(func() { d.Stream.PublishChange(st.ID, change) })
					}
				}
				_ = audit.LogEvent(ctx, "study.approved", map[string]any{"studyId": st.ID})
			}
			return map[string]any{"studyId": st.ID, "status": study.StatusApproved, "applied": applied}, nil
		})
}

func rejectStudyProposal(d Deps) *action.Action {
	return action.New("rejectStudyProposal").
		Params(action.NewSchema(action.RequiredStr("studyId"))).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionReject, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId", "status")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			applied, err := d.Store.RejectStudy(ctx, st.ID, ac.Session.UserID)
			if errors.Is(err, study.ErrNoJob) {
				return nil, action.Failf("study has no submitted job to reject")
			}
			if errors.Is(err, study.ErrIllegalTransition) {
				return nil, action.Failf("job is not in a reviewable state")
			}
			if err != nil {
				return nil, err
			}
			if applied {
				if job, jerr := d.Store.LatestJob(ctx, st.ID); jerr == nil {
					if change, cerr := d.Store.CurrentStatus(ctx, job.ID); cerr == nil {
						ac.OnSuccess(func() { d.Stream.PublishChange(st.ID, change) })
					}
				}
				_ = audit.LogEvent(ctx, "study.rejected", map[string]any{"studyId": st.ID})
			}
			return map[string]any{"studyId": st.ID, "status": study.StatusRejected, "applied": applied}, nil
		})
}

func archiveStudy(d Deps) *action.Action {
	return action.New("archiveStudy").
		Params(action.NewSchema(action.RequiredStr("studyId"))).
		Middleware("loadStudy", loadStudy(d.Store), "study", "orgId", "status", "researcherId").
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectStudy,
			action.Translate(loadedSubject, "orgId", "status", "researcherId")).
		Mutates(d.Store.WithTx).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			st, _ := studyFromContext(ac)
			applied, err := d.Store.ArchiveStudy(ctx, st.ID)
			if err != nil {
				return nil, err
			}
			if applied {
				_ = audit.LogEvent(ctx, "study.archived", map[string]any{"studyId": st.ID})
			}
			return map[string]any{"studyId": st.ID, "status": study.StatusArchived, "applied": applied}, nil
		})
}
