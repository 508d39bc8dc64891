package action

import (
	"fmt"
	"sort"
	"strings"
)

// ActionFailure is a handler-raised business-rule violation ("study already
// approved", "no base image configured"). Its message reaches the caller
// verbatim.
type ActionFailure struct {
	Message string
	Fields  map[string]string
}

func (f *ActionFailure) Error() string {
	if f.Message != "" {
		return f.Message
	}
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, f.Fields[k]))
	}
	return strings.Join(parts, "; ")
}

// Failf builds an ActionFailure with a formatted message.
func Failf(format string, args ...any) *ActionFailure {
	return &ActionFailure{Message: fmt.Sprintf(format, args...)}
}

// AccessDeniedError carries the internal denial reason. The reason is
// retained for logs; callers only ever see the generic message.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string { return "access denied" }

// NotFoundError marks a missing entity discovered during middleware or
// handler execution. Surfaced to the caller as an ActionFailure-style
// message without internal detail beyond the entity name.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " was not found" }
