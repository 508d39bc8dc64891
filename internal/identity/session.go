package identity

import (
	"os"
	"strings"
	"sync"
)

// OrgType distinguishes reviewing organizations from submitting ones.
type OrgType string

const (
	OrgTypeEnclave OrgType = "enclave"
	OrgTypeLab     OrgType = "lab"
)

// OrgMembership is one organization's role record for the session's user.
type OrgMembership struct {
	ID           string  `json:"id"`
	Slug         string  `json:"slug"`
	Type         OrgType `json:"type"`
	IsAdmin      bool    `json:"isAdmin"`
	IsResearcher bool    `json:"isResearcher"`
	IsReviewer   bool    `json:"isReviewer"`
}

// Session is the normalized per-call identity snapshot: who is calling and
// with which organizational roles. Built once per invocation and treated as
// immutable afterward.
type Session struct {
	UserID    string
	SiteAdmin bool
	Orgs      map[string]OrgMembership // keyed by org id
}

// OrgIDs returns the ids of every org the user belongs to.
func (s Session) OrgIDs() []string {
	out := make([]string, 0, len(s.Orgs))
	for id := range s.Orgs {
		out = append(out, id)
	}
	return out
}

// AdminOrgIDs returns the ids of orgs where the user holds the admin role.
func (s Session) AdminOrgIDs() []string { return s.orgIDsWhere(func(m OrgMembership) bool { return m.IsAdmin }) }

// ReviewerOrgIDs returns the ids of orgs where the user holds the reviewer role.
func (s Session) ReviewerOrgIDs() []string {
	return s.orgIDsWhere(func(m OrgMembership) bool { return m.IsReviewer })
}

// ResearcherOrgIDs returns the ids of orgs where the user holds the researcher role.
func (s Session) ResearcherOrgIDs() []string {
	return s.orgIDsWhere(func(m OrgMembership) bool { return m.IsResearcher })
}

func (s Session) orgIDsWhere(pred func(OrgMembership) bool) []string {
	var out []string
	for id, m := range s.Orgs {
		if pred(m) {
			out = append(out, id)
		}
	}
	return out
}

// BuildSession normalizes raw identity-provider claims into a Session. It is
// a pure transform; it fails with ErrMetadataMissing when the claims lack the
// membership metadata for the configured environment (the caller may trigger
// a metadata resync on that error, outside this package).
func BuildSession(claims *Claims) (Session, error) {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return Session{}, ErrInvalidToken
	}
	env, ok := claims.Envs[EnvironmentID()]
	if !ok || len(env.Teams) == 0 {
		if !claims.SiteAdmin {
			return Session{}, ErrMetadataMissing
		}
		env = EnvMetadata{}
	}
	orgs := make(map[string]OrgMembership, len(env.Teams))
	for slug, team := range env.Teams {
		id := strings.TrimSpace(team.ID)
		if id == "" {
			continue
		}
		m := team
		if m.Slug == "" {
			m.Slug = slug
		}
		orgs[id] = m
	}
	return Session{
		UserID:    claims.Subject,
		SiteAdmin: claims.SiteAdmin,
		Orgs:      orgs,
	}, nil
}

const envIDVariable = "STUDYGATE_ENV_ID"

var (
	envIDOnce sync.Once
	envID     string
)

// EnvironmentID names the deployment whose membership metadata applies. The
// identity provider stores metadata for every environment under one account;
// sessions only ever read their own slice.
func EnvironmentID() string {
	envIDOnce.Do(func() {
		envID = strings.TrimSpace(os.Getenv(envIDVariable))
		if envID == "" {
			envID = "production"
		}
	})
	return envID
}

// ResetEnvironmentForTests clears the cached environment id. Only intended
// for test use.
func ResetEnvironmentForTests() {
	envIDOnce = sync.Once{}
	envID = ""
}
