// Package ability computes the permission set for one session. Grants are
// (action, subject kind, condition) rules; conditions are plain closures over
// a flat subject attribute struct. The engine never returns errors; absence
// of a grant is simply a false answer, and the pipeline turns that into an
// access-denied failure.
package ability

import "studygate.org/internal/identity"

// Action names one permission verb.
type Action string

const (
	ActionCreate  Action = "create"
	ActionView    Action = "view"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReview  Action = "review"
	ActionInvite  Action = "invite"
)

// SubjectKind names one permission subject type.
type SubjectKind string

const (
	SubjectStudy       SubjectKind = "Study"
	SubjectStudyJob    SubjectKind = "StudyJob"
	SubjectOrg         SubjectKind = "Org"
	SubjectUser        SubjectKind = "User"
	SubjectReviewerKey SubjectKind = "ReviewerKey"
)

// Subject is the concrete attribute bag a fine-grained check evaluates
// against. The condition vocabulary in use is small (equality and org-set
// membership), so one flat struct covers every kind; fields irrelevant to a
// kind stay zero.
type Subject struct {
	Kind         SubjectKind
	OrgID        string
	UserID       string
	Status       string
	ResearcherID string
}

// Condition evaluates one grant against a concrete subject.
type Condition func(Subject) bool

// Grant is one permission rule. A nil Condition always matches.
type Grant struct {
	Action    Action
	Subject   SubjectKind
	Condition Condition
}

// Ability is the derived, queryable permission set for one session. It is
// recomputed on every pipeline invocation and never cached across calls;
// org membership can change between requests.
type Ability struct {
	userID string
	grants []Grant
}

// UserID reports which actor this ability was computed for.
func (a Ability) UserID() string { return a.userID }

// Can answers the coarse query: does any grant cover this action and kind,
// ignoring conditions. UI affordances use this; it must never be the basis
// of a server-side enforcement decision.
func (a Ability) Can(action Action, kind SubjectKind) bool {
	for _, g := range a.grants {
		if g.Action == action && g.Subject == kind {
			return true
		}
	}
	return false
}

// CanSubject answers the fine query against a concrete subject instance.
// The first grant whose action and kind match and whose condition holds
// wins; grants are never OR-combined across condition sets.
func (a Ability) CanSubject(action Action, sub Subject) bool {
	for _, g := range a.grants {
		if g.Action != action || g.Subject != sub.Kind {
			continue
		}
		if g.Condition == nil || g.Condition(sub) {
			return true
		}
	}
	return false
}

// Compute derives the permission set from a session's org memberships.
func Compute(session identity.Session) Ability {
	var grants []Grant

	userOrgs := toSet(session.OrgIDs())
	adminOrgs := toSet(session.AdminOrgIDs())
	reviewerOrgs := toSet(session.ReviewerOrgIDs())

	inOrgs := func(set map[string]struct{}) Condition {
		return func(s Subject) bool {
			_, ok := set[s.OrgID]
			return ok
		}
	}
	// A decision stays authorized once its end state has been applied, so a
	// retried approve/reject reaches the store's re-read and no-ops instead of
	// being denied. DRAFT and ARCHIVED remain denied for everyone.
	decidable := func(applied string) Condition {
		return func(s Subject) bool {
			return s.Status == "PENDING-REVIEW" || s.Status == applied
		}
	}
	reviewerDecision := func(applied string) Condition {
		statusOK := decidable(applied)
		return func(s Subject) bool {
			if !statusOK(s) {
				return false
			}
			_, ok := reviewerOrgs[s.OrgID]
			return ok
		}
	}

	// Every actor may maintain their own user record and see the entities of
	// orgs they belong to.
	ownUser := session.UserID
	grants = append(grants,
		Grant{ActionUpdate, SubjectUser, func(s Subject) bool { return s.UserID == ownUser }},
		Grant{ActionView, SubjectStudy, inOrgs(userOrgs)},
		Grant{ActionView, SubjectStudyJob, inOrgs(userOrgs)},
		Grant{ActionView, SubjectOrg, inOrgs(userOrgs)},
	)

	// Submission is deliberately not org-restricted at the grant level; the
	// caller picks the destination org downstream.
	if len(session.ResearcherOrgIDs()) > 0 {
		for _, act := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
			grants = append(grants,
				Grant{act, SubjectStudy, nil},
				Grant{act, SubjectStudyJob, nil},
			)
		}
	}

	if len(reviewerOrgs) > 0 {
		grants = append(grants,
			Grant{ActionView, SubjectReviewerKey, nil},
			Grant{ActionUpdate, SubjectReviewerKey, nil},
			Grant{ActionApprove, SubjectStudy, reviewerDecision("APPROVED")},
			Grant{ActionReject, SubjectStudy, reviewerDecision("REJECTED")},
			Grant{ActionReview, SubjectStudy, inOrgs(reviewerOrgs)},
		)
	}

	if len(adminOrgs) > 0 {
		grants = append(grants,
			Grant{ActionUpdate, SubjectUser, inOrgs(adminOrgs)},
			Grant{ActionInvite, SubjectUser, inOrgs(adminOrgs)},
			Grant{ActionView, SubjectUser, inOrgs(adminOrgs)},
			Grant{ActionUpdate, SubjectOrg, inOrgs(adminOrgs)},
		)
	}

	// Platform super-admins bypass role scoping but never state checks:
	// approving a study that is not pending review stays forbidden.
	if session.SiteAdmin {
		for _, kind := range []SubjectKind{SubjectOrg, SubjectUser, SubjectStudy, SubjectStudyJob, SubjectReviewerKey} {
			for _, act := range []Action{ActionCreate, ActionView, ActionUpdate, ActionDelete, ActionInvite} {
				grants = append(grants, Grant{act, kind, nil})
			}
		}
		grants = append(grants,
			Grant{ActionApprove, SubjectStudy, decidable("APPROVED")},
			Grant{ActionReject, SubjectStudy, decidable("REJECTED")},
			Grant{ActionReview, SubjectStudy, nil},
		)
	}

	return Ability{userID: session.UserID, grants: grants}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
