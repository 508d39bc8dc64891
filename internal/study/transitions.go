package study

import (
	"fmt"
	"sort"
)

// jobTransitions is the legal edge set for job status histories. JOB-ERRORED
// is reachable from any in-flight state and is handled separately in
// CanTransition. CODE-APPROVED may skip JOB-PACKAGING when image building is
// disabled for the deployment.
var jobTransitions = map[JobStatus][]JobStatus{
	JobInitiated:     {JobCodeSubmitted, JobCodeScanned},
	JobCodeSubmitted: {JobCodeScanned},
	JobCodeScanned:   {JobCodeApproved, JobCodeRejected},
	JobCodeApproved:  {JobPackaging, JobReady},
	JobCodeRejected:  {},
	JobPackaging:     {JobReady},
	JobReady:         {JobRunning},
	JobRunning:       {JobRunComplete},
	JobRunComplete:   {JobFilesApproved, JobFilesRejected},
	JobFilesApproved: {},
	JobFilesRejected: {},
	JobErrored:       {},
}

// initialStatuses are the statuses a fresh job may start in.
var initialStatuses = map[JobStatus]bool{
	JobInitiated:     true,
	JobCodeSubmitted: true,
}

// IsValid reports whether s is a known job status.
func IsValid(s JobStatus) bool {
	_, ok := jobTransitions[s]
	return ok
}

// IsInitial reports whether a job history may begin with s.
func IsInitial(s JobStatus) bool { return initialStatuses[s] }

// IsTerminal reports whether no further transition leaves s.
func IsTerminal(s JobStatus) bool {
	next, ok := jobTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	if !IsValid(from) || !IsValid(to) {
		return false
	}
	if to == JobErrored {
		return !IsTerminal(from)
	}
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateHistory replays a recorded sequence of status changes for one job
// and reports the first illegal edge. Rows are ordered by creation time (id
// as tiebreaker) before replay, matching how current status is derived.
func ValidateHistory(changes []JobStatusChange) error {
	if len(changes) == 0 {
		return nil
	}
	ordered := make([]JobStatusChange, len(changes))
	copy(ordered, changes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	if !IsInitial(ordered[0].Status) {
		return fmt.Errorf("%w: history starts at %s", ErrIllegalTransition, ordered[0].Status)
	}
	for i := 1; i < len(ordered); i++ {
		from, to := ordered[i-1].Status, ordered[i].Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
	}
	return nil
}
