// Package actions defines the platform's invocable operations. Every entry is
// built on the pipeline in internal/action: input schema, context-building
// middleware, one ability guard, and a handler.
package actions

import (
	"sort"

	"studygate.org/internal/action"
	"studygate.org/internal/directory"
	"studygate.org/internal/keys"
	"studygate.org/internal/stream"
	"studygate.org/internal/study"
)

// Deps carries everything the registered actions operate on.
type Deps struct {
	Store     study.Store
	Keys      *keys.Store
	Directory *directory.Store
	Stream    *stream.Stream
	Sealer    keys.Sealer

	// SkipImageBuild makes an approved job go straight to JOB-READY instead
	// of waiting for the packaging step.
	SkipImageBuild bool
}

// Registry holds the named actions the API can invoke.
type Registry struct {
	actions map[string]*action.Action
}

// NewRegistry wires every action against the given dependencies.
func NewRegistry(d Deps) *Registry {
	r := &Registry{actions: make(map[string]*action.Action)}
	for _, a := range []*action.Action{
		createStudy(d),
		getStudy(d),
		fetchStudiesForOrg(d),
		updateStudy(d),
		submitStudy(d),
		approveStudyProposal(d),
		rejectStudyProposal(d),
		archiveStudy(d),
		createStudyJob(d),
		recordJobStatus(d),
		approveJobFiles(d),
		rejectJobFiles(d),
		requestJobResults(d),
		rotateReviewerKey(d),
		updateUser(d),
		updateOrg(d),
		inviteUser(d),
	} {
		r.actions[a.Name()] = a
	}
	return r
}

// Get returns the named action.
func (r *Registry) Get(name string) (*action.Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Names lists the registered action names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
