package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"studygate.org/internal/ability"
	"studygate.org/internal/identity"
)

func testClaims(t *testing.T, userID string, teams map[string]identity.OrgMembership) context.Context {
	t.Helper()
	t.Setenv("STUDYGATE_ENV_ID", "production")
	identity.ResetEnvironmentForTests()
	t.Cleanup(identity.ResetEnvironmentForTests)
	claims := &identity.Claims{
		Envs: map[string]identity.EnvMetadata{"production": {Teams: teams}},
	}
	claims.Subject = userID
	return identity.ContextWithClaims(context.Background(), claims)
}

func TestValidationFailureReturnsFieldMap(t *testing.T) {
	a := New("test").
		Params(NewSchema(RequiredStr("title"), RequiredInt("count"))).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			t.Fatal("handler must not run on validation failure")
			return nil, nil
		})

	res := a.Invoke(context.Background(), map[string]any{"count": "nope"})
	require.False(t, res.OK())
	require.Equal(t, FailureValidation, res.Failure.Kind)
	require.Equal(t, "is required", res.Failure.Fields["title"])
	require.Equal(t, "must be a number", res.Failure.Fields["count"])
}

func TestUndeclaredFieldsDropped(t *testing.T) {
	a := New("test").
		Params(NewSchema(RequiredStr("title"))).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			_, present := args["sneaky"]
			require.False(t, present)
			return "ok", nil
		})

	res := a.Invoke(context.Background(), map[string]any{"title": "x", "sneaky": "y"})
	require.True(t, res.OK())
}

func TestMiddlewareRunsInDeclarationOrder(t *testing.T) {
	var order []string
	a := New("test").
		Params(NewSchema()).
		Middleware("first", func(ctx context.Context, args Args, ac *Context) (Fields, error) {
			order = append(order, "first")
			return Fields{"a": "1"}, nil
		}, "a").
		Middleware("second", func(ctx context.Context, args Args, ac *Context) (Fields, error) {
			order = append(order, "second")
			require.Equal(t, "1", ac.String("a"))
			return Fields{"b": "2"}, nil
		}, "b").
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			require.Equal(t, "2", ac.String("b"))
			return nil, nil
		})

	res := a.Invoke(context.Background(), nil)
	require.True(t, res.OK())
	require.Equal(t, []string{"first", "second"}, order)
}

func TestGuardDeniesWhenMiddlewareOmitted(t *testing.T) {
	// The guard reads orgId from context without declaring it as a need, so
	// the definition with the middleware removed still constructs, but the
	// zero-valued subject never satisfies the org-scoped grant.
	build := func(withMiddleware bool) *Action {
		d := New("test").Params(NewSchema(RequiredStr("studyId")))
		if withMiddleware {
			d = d.Middleware("loadOrg", func(ctx context.Context, args Args, ac *Context) (Fields, error) {
				return Fields{"orgId": "org1"}, nil
			}, "orgId")
		}
		return d.RequireAbilityTo(ability.ActionView, ability.SubjectStudy,
			Translate(func(args Args, ac *Context) ability.Subject {
				return ability.Subject{OrgID: ac.String("orgId")}
			})).
			Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
				return "ok", nil
			})
	}

	ctx := testClaims(t, "user1", map[string]identity.OrgMembership{
		"slug": {ID: "org1"},
	})

	res := build(true).Invoke(ctx, map[string]any{"studyId": "st1"})
	require.True(t, res.OK())

	res = build(false).Invoke(ctx, map[string]any{"studyId": "st1"})
	require.False(t, res.OK())
	require.Equal(t, FailureAccessDenied, res.Failure.Kind)
	require.Equal(t, "access denied", res.Failure.Message)
}

func TestHandlerPanicsOnUnsatisfiedGuardNeed(t *testing.T) {
	require.Panics(t, func() {
		New("test").
			Params(NewSchema(RequiredStr("studyId"))).
			RequireAbilityTo(ability.ActionView, ability.SubjectStudy,
				Translate(func(args Args, ac *Context) ability.Subject { return ability.Subject{} }, "orgId")).
			Handler(func(ctx context.Context, args Args, ac *Context) (any, error) { return nil, nil })
	})
}

func TestParamsResetsMiddleware(t *testing.T) {
	d := New("test").
		Params(NewSchema()).
		Middleware("stale", func(ctx context.Context, args Args, ac *Context) (Fields, error) {
			t.Fatal("stale middleware must not survive a Params call")
			return nil, nil
		})
	a := d.Params(NewSchema()).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) { return "ok", nil })

	res := a.Invoke(context.Background(), nil)
	require.True(t, res.OK())
}

func TestAnonymousCallerDenied(t *testing.T) {
	a := New("test").
		Params(NewSchema()).
		RequireAbilityTo(ability.ActionView, ability.SubjectStudy).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) { return "ok", nil })

	res := a.Invoke(context.Background(), nil)
	require.Equal(t, FailureAccessDenied, res.Failure.Kind)
}

func TestMissingMetadataSurfacesAsActionFailure(t *testing.T) {
	ctx := testClaims(t, "user1", nil)
	a := New("test").
		Params(NewSchema()).
		RequireAbilityTo(ability.ActionView, ability.SubjectStudy).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) { return "ok", nil })

	res := a.Invoke(ctx, nil)
	require.False(t, res.OK())
	require.Equal(t, FailureAction, res.Failure.Kind)
	require.Contains(t, res.Failure.Message, "not fully provisioned")
}

func TestSessionScopedToInvocation(t *testing.T) {
	a := New("test").
		Params(NewSchema()).
		RequireAbilityTo(ability.ActionView, ability.SubjectStudy,
			Translate(func(args Args, ac *Context) ability.Subject {
				return ability.Subject{OrgID: "org1"}
			})).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			sess, ok := identity.SessionFromContext(ctx)
			require.True(t, ok)
			return sess.UserID, nil
		})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			claims := &identity.Claims{
				Envs: map[string]identity.EnvMetadata{"production": {Teams: map[string]identity.OrgMembership{
					"slug": {ID: "org1"},
				}}},
			}
			claims.Subject = userID
			ctx := identity.ContextWithClaims(context.Background(), claims)
			res := a.Invoke(ctx, nil)
			if !res.OK() {
				t.Errorf("invoke failed: %+v", res.Failure)
				return
			}
			if res.Value != userID {
				t.Errorf("session leaked across invocations: got %v want %s", res.Value, userID)
			}
		}(i)
	}
	wg.Wait()
}

func TestMutatesRunsHandlerInTx(t *testing.T) {
	var entered, committed bool
	tx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		entered = true
		if err := fn(ctx); err != nil {
			return err
		}
		committed = true
		return nil
	}
	a := New("test").
		Params(NewSchema()).
		Mutates(tx).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) { return 42, nil })

	res := a.Invoke(context.Background(), nil)
	require.True(t, res.OK())
	require.Equal(t, 42, res.Value)
	require.True(t, entered)
	require.True(t, committed)
}

func TestTxErrorRollsBackToFailure(t *testing.T) {
	tx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	}
	a := New("test").
		Params(NewSchema()).
		Mutates(tx).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			return nil, Failf("study already approved")
		})

	res := a.Invoke(context.Background(), nil)
	require.False(t, res.OK())
	require.Equal(t, FailureAction, res.Failure.Kind)
	require.Equal(t, "study already approved", res.Failure.Message)
}

func TestOnSuccessRunsAfterCommitOnly(t *testing.T) {
	var published int

	succeed := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	}
	a := New("test").
		Params(NewSchema()).
		Mutates(succeed).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			ac.OnSuccess(func() { published++ })
			return "ok", nil
		})
	res := a.Invoke(context.Background(), nil)
	require.True(t, res.OK())
	require.Equal(t, 1, published)

	// A failed commit drops queued effects.
	published = 0
	failCommit := func(ctx context.Context, fn func(ctx context.Context) error) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return errors.New("commit failed")
	}
	a = New("test").
		Params(NewSchema()).
		Mutates(failCommit).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			ac.OnSuccess(func() { published++ })
			return "ok", nil
		})
	res = a.Invoke(context.Background(), nil)
	require.False(t, res.OK())
	require.Equal(t, 0, published)
}

func TestUnexpectedErrorIsGeneric(t *testing.T) {
	a := New("test").
		Params(NewSchema()).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			return nil, errors.New("pq: connection refused host=10.0.0.1")
		})

	res := a.Invoke(context.Background(), nil)
	require.False(t, res.OK())
	require.Equal(t, FailureInternal, res.Failure.Kind)
	require.NotContains(t, res.Failure.Message, "10.0.0.1")
}

func TestMiddlewareErrorNormalized(t *testing.T) {
	a := New("test").
		Params(NewSchema()).
		Middleware("boom", func(ctx context.Context, args Args, ac *Context) (Fields, error) {
			return nil, &NotFoundError{Entity: "study"}
		}).
		Handler(func(ctx context.Context, args Args, ac *Context) (any, error) {
			t.Fatal("handler must not run after middleware failure")
			return nil, nil
		})

	res := a.Invoke(context.Background(), nil)
	require.Equal(t, FailureAction, res.Failure.Kind)
	require.Contains(t, res.Failure.Message, "study was not found")
}

func TestResultJSONShape(t *testing.T) {
	value := Result{Value: map[string]any{"id": "st1"}}
	b, err := value.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"st1"}`, string(b))

	fail := Result{Failure: &Failure{Kind: FailureAction, Message: "nope"}}
	b, err = fail.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"nope"}`, string(b))

	val := Result{Failure: &Failure{Kind: FailureValidation, Fields: map[string]string{"title": "is required"}}}
	b, err = val.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"error":{"title":"is required"}}`, string(b))
}
