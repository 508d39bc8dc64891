// Package action implements the authorization-gated pipeline every
// state-changing operation goes through: schema validation, ordered
// context-building middleware, one ability guard, and a single handler with
// a stable success/error result shape.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studygate.org/internal/ability"
	"studygate.org/internal/identity"
	"studygate.org/internal/obs"
)

// Args is the validated input of one invocation.
type Args map[string]any

// String returns the named argument as a string, or "" when absent.
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Fields is the partial context a middleware step contributes.
type Fields map[string]any

// Context accumulates what middleware learned about the call: the session
// plus named fields merged in declaration order.
type Context struct {
	Session *identity.Session
	values  map[string]any
	onOK    []func()
}

// OnSuccess queues fn to run once the invocation's unit of work has settled
// successfully; for mutating actions that is after the transaction commits.
// Handlers use it for side effects that must not be observable on rollback,
// like publishing stream events. Queued functions are dropped on failure.
func (c *Context) OnSuccess(fn func()) {
	c.onOK = append(c.onOK, fn)
}

// Value returns a context field set by an earlier middleware step.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// String returns the named context field as a string, or "" when absent.
// Guards built on missing fields therefore see zero values and deny, rather
// than crash.
func (c *Context) String(key string) string {
	v, _ := c.values[key].(string)
	return v
}

func (c *Context) merge(f Fields) {
	for k, v := range f {
		c.values[k] = v
	}
}

// MiddlewareFunc consumes validated args and prior context and returns
// additional context fields.
type MiddlewareFunc func(ctx context.Context, args Args, ac *Context) (Fields, error)

// HandlerFunc is the terminal step of an action.
type HandlerFunc func(ctx context.Context, args Args, ac *Context) (any, error)

// TranslateFunc maps validated input plus accumulated context into the
// concrete subject the ability engine evaluates.
type TranslateFunc func(args Args, ac *Context) ability.Subject

// TxRunner executes fn inside one unit of work. Mutating actions run their
// handler through it so a status write and its side effects are never
// separately observable.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type step struct {
	name     string
	provides []string
	fn       MiddlewareFunc
}

type guard struct {
	action    ability.Action
	kind      ability.SubjectKind
	translate TranslateFunc
	needs     []string
}

// Definition is the builder for one action. Building is a definition-time
// activity; the resulting Action is immutable and safe for concurrent use.
type Definition struct {
	name   string
	schema *Schema
	steps  []step
	guard  *guard
	tx     TxRunner
}

// New starts a definition with the given action name.
func New(name string) *Definition {
	return &Definition{name: name}
}

// Params attaches the input schema. Changing the schema changes the shape
// everything downstream expects, so previously attached middleware is
// deliberately discarded.
func (d *Definition) Params(s *Schema) *Definition {
	d.schema = s
	d.steps = nil
	return d
}

// Middleware appends a context-building step. Steps run strictly in
// declaration order; provides names the context fields the step contributes,
// which the guard's requirements are checked against at construction time.
func (d *Definition) Middleware(name string, fn MiddlewareFunc, provides ...string) *Definition {
	d.steps = append(d.steps, step{name: name, provides: provides, fn: fn})
	return d
}

// GuardOption configures the single ability guard.
type GuardOption func(*guard)

// Translate supplies the args+context → subject mapping, declaring which
// context fields it reads. Undeclared reads see zero values and fail closed;
// declared needs that nothing provides are a construction-time error.
func Translate(fn TranslateFunc, needs ...string) GuardOption {
	return func(g *guard) {
		g.translate = fn
		g.needs = needs
	}
}

// RequireAbilityTo attaches the action's one permission guard. Without a
// Translate option the subject is built from well-known argument keys.
func (d *Definition) RequireAbilityTo(act ability.Action, kind ability.SubjectKind, opts ...GuardOption) *Definition {
	g := &guard{action: act, kind: kind}
	for _, opt := range opts {
		opt(g)
	}
	if g.translate == nil {
		g.translate = defaultTranslate(kind)
	}
	d.guard = g
	return d
}

// Mutates routes handler execution through the given transaction runner.
func (d *Definition) Mutates(tx TxRunner) *Definition {
	d.tx = tx
	return d
}

// Handler finalizes the definition. It panics when the guard declares a
// context-field requirement no middleware provides and no schema field
// satisfies: misordered middleware should fail when the action is defined,
// not when a request arrives.
func (d *Definition) Handler(fn HandlerFunc) *Action {
	if d.guard != nil {
		available := map[string]struct{}{}
		if d.schema != nil {
			for _, name := range d.schema.FieldNames() {
				available[name] = struct{}{}
			}
		}
		for _, st := range d.steps {
			for _, key := range st.provides {
				available[key] = struct{}{}
			}
		}
		for _, need := range d.guard.needs {
			if _, ok := available[need]; !ok {
				panic(fmt.Sprintf("action %s: guard requires context field %q that no middleware provides", d.name, need))
			}
		}
	}
	return &Action{
		name:    d.name,
		schema:  d.schema,
		steps:   d.steps,
		guard:   d.guard,
		tx:      d.tx,
		handler: fn,
	}
}

// Action is one invocable operation.
type Action struct {
	name    string
	schema  *Schema
	steps   []step
	guard   *guard
	tx      TxRunner
	handler HandlerFunc
}

// Name returns the action's registered name.
func (a *Action) Name() string { return a.name }

// Invoke runs the full pipeline for one call. The returned Result is either
// the handler's value verbatim or a normalized failure; Invoke itself never
// panics outward and never returns a raw error.
func (a *Action) Invoke(ctx context.Context, raw map[string]any) Result {
	start := time.Now()
	result := a.invoke(ctx, raw)
	obs.ObserveAction(a.name, outcomeLabel(result), time.Since(start).Seconds())
	return result
}

func (a *Action) invoke(ctx context.Context, raw map[string]any) Result {
	var args Args
	if a.schema != nil {
		parsed, fieldErrs := a.schema.Parse(raw)
		if fieldErrs != nil {
			return validationResult(fieldErrs)
		}
		args = parsed
	} else {
		args = Args(raw)
	}

	// The session is rebuilt from provider claims on every invocation; org
	// membership can change between requests.
	var session *identity.Session
	if claims, ok := identity.ClaimsFromContext(ctx); ok {
		built, err := identity.BuildSession(claims)
		if err != nil {
			if errors.Is(err, identity.ErrMetadataMissing) {
				return failureResult(Failf("account is not fully provisioned yet"))
			}
			return a.normalizeError(err)
		}
		session = &built
	}

	ac := &Context{Session: session, values: map[string]any{}}

	// Middleware ordering is total and caller-declared; guards never run
	// before the last middleware has completed.
	for _, st := range a.steps {
		fields, err := st.fn(ctx, args, ac)
		if err != nil {
			return a.normalizeError(fmt.Errorf("middleware %s: %w", st.name, err))
		}
		ac.merge(fields)
	}

	if a.guard != nil {
		if session == nil {
			a.logDenied("anonymous", nil)
			return deniedResult()
		}
		ab := ability.Compute(*session)
		sub := a.guard.translate(args, ac)
		sub.Kind = a.guard.kind
		if !ab.CanSubject(a.guard.action, sub) {
			a.logDenied(session.UserID, &sub)
			return deniedResult()
		}
	}

	run := func(ctx context.Context) (any, error) {
		// Scope opens here and closes when the handler settles; nested calls
		// recover the session without it being threaded explicitly.
		return a.handler(identity.ContextWithSession(ctx, session), args, ac)
	}

	var value any
	var err error
	if a.tx != nil {
		err = a.tx(ctx, func(ctx context.Context) error {
			v, herr := run(ctx)
			value = v
			return herr
		})
	} else {
		value, err = run(ctx)
	}
	if err != nil {
		return a.normalizeError(err)
	}
	for _, fn := range ac.onOK {
		fn()
	}
	return Result{Value: value}
}

func (a *Action) normalizeError(err error) Result {
	var failure *ActionFailure
	if errors.As(err, &failure) {
		return failureResult(failure)
	}
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		a.logDenied(denied.Reason, nil)
		return deniedResult()
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return failureResult(&ActionFailure{Message: notFound.Error()})
	}
	obs.LogRequest(map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"level":  "error",
		"msg":    "action_failed",
		"action": a.name,
		"error":  err.Error(),
	})
	return internalResult()
}

// The denial reason (which actor, which action/subject) is retained for
// operator logs but never echoed to the caller.
func (a *Action) logDenied(actor string, sub *ability.Subject) {
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"level":  "warn",
		"msg":    "access_denied",
		"action": a.name,
		"actor":  actor,
	}
	if a.guard != nil {
		entry["ability"] = string(a.guard.action)
		entry["subject"] = string(a.guard.kind)
	}
	if sub != nil {
		entry["org_id"] = sub.OrgID
		entry["status"] = sub.Status
	}
	obs.LogRequest(entry)
}

func outcomeLabel(r Result) string {
	if r.Failure == nil {
		return "success"
	}
	switch r.Failure.Kind {
	case FailureValidation:
		return "validation_error"
	case FailureAccessDenied:
		return "access_denied"
	case FailureAction:
		return "action_failure"
	default:
		return "internal_error"
	}
}

// defaultTranslate maps well-known argument keys into subject attributes, the
// behavior a guard gets when no Translate option is supplied.
func defaultTranslate(kind ability.SubjectKind) TranslateFunc {
	return func(args Args, _ *Context) ability.Subject {
		return ability.Subject{
			Kind:         kind,
			OrgID:        args.String("orgId"),
			UserID:       args.String("userId"),
			Status:       args.String("status"),
			ResearcherID: args.String("researcherId"),
		}
	}
}
