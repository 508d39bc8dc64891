package action

import "encoding/json"

// FailureKind classifies normalized pipeline failures.
type FailureKind int

const (
	FailureValidation FailureKind = iota
	FailureAccessDenied
	FailureAction
	FailureInternal
)

// Failure is the error half of a pipeline result. Exactly one of Message or
// Fields is populated.
type Failure struct {
	Kind    FailureKind
	Message string
	Fields  map[string]string
}

// Result is the stable invocation outcome: the handler's return value
// verbatim, or a failure. Callers branch on the presence of the "error" key
// in the JSON form, not on a wrapper type.
type Result struct {
	Value   any
	Failure *Failure
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Failure == nil }

type errorEnvelope struct {
	Error any `json:"error"`
}

// MarshalJSON emits the success value as-is, or {"error": message-or-field-map}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failure == nil {
		return json.Marshal(r.Value)
	}
	if r.Failure.Fields != nil {
		return json.Marshal(errorEnvelope{Error: r.Failure.Fields})
	}
	return json.Marshal(errorEnvelope{Error: r.Failure.Message})
}

func validationResult(fields map[string]string) Result {
	return Result{Failure: &Failure{Kind: FailureValidation, Fields: fields}}
}

func deniedResult() Result {
	return Result{Failure: &Failure{Kind: FailureAccessDenied, Message: "access denied"}}
}

func failureResult(f *ActionFailure) Result {
	out := &Failure{Kind: FailureAction, Message: f.Message}
	if f.Fields != nil {
		out.Fields = f.Fields
	}
	return Result{Failure: out}
}

func internalResult() Result {
	return Result{Failure: &Failure{Kind: FailureInternal, Message: "an unexpected error occurred"}}
}
