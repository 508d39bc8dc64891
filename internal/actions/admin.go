package actions

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"studygate.org/internal/ability"
	"studygate.org/internal/action"
	"studygate.org/internal/audit"
	"studygate.org/internal/directory"
)

func rotateReviewerKey(d Deps) *action.Action {
	return action.New("rotateReviewerKey").
		Params(action.NewSchema(
			action.RequiredStr("orgId"),
			action.Field{Name: "publicKey", Type: action.TypeString, Required: true, Check: func(v any) string {
				if _, err := base64.StdEncoding.DecodeString(v.(string)); err != nil {
					return "must be base64-encoded"
				}
				return ""
			}},
		)).
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectReviewerKey).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			publicKey, err := base64.StdEncoding.DecodeString(args.String("publicKey"))
			if err != nil {
				return nil, action.Failf("public key must be base64-encoded")
			}
			key, err := d.Keys.Rotate(ctx, args.String("orgId"), ac.Session.UserID, publicKey)
			if err != nil {
				return nil, err
			}
			_ = audit.LogEvent(ctx, "reviewer_key.rotated", map[string]any{
				"orgId":       key.OrgID,
				"fingerprint": key.Fingerprint,
			})
			return map[string]any{"keyId": key.ID, "fingerprint": key.Fingerprint}, nil
		})
}

func updateUser(d Deps) *action.Action {
	return action.New("updateUser").
		Params(action.NewSchema(
			action.RequiredStr("userId"),
			action.Str("orgId"),
			action.Str("name"),
			action.Str("email"),
		)).
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectUser).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			upd := directory.UserUpdate{}
			if v, ok := args["name"]; ok {
				name := v.(string)
				upd.Name = &name
			}
			if v, ok := args["email"]; ok {
				email := v.(string)
				upd.Email = &email
			}
			user, err := d.Directory.UpdateUser(ctx, args.String("userId"), upd)
			if errors.Is(err, directory.ErrNotFound) {
				return nil, &action.NotFoundError{Entity: "user"}
			}
			if err != nil {
				return nil, err
			}
			return user, nil
		})
}

func updateOrg(d Deps) *action.Action {
	return action.New("updateOrg").
		Params(action.NewSchema(
			action.RequiredStr("orgId"),
			action.Str("name"),
		)).
		RequireAbilityTo(ability.ActionUpdate, ability.SubjectOrg).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			upd := directory.OrgUpdate{}
			if v, ok := args["name"]; ok {
				name := v.(string)
				upd.Name = &name
			}
			org, err := d.Directory.UpdateOrg(ctx, args.String("orgId"), upd)
			if errors.Is(err, directory.ErrNotFound) {
				return nil, &action.NotFoundError{Entity: "org"}
			}
			if err != nil {
				return nil, err
			}
			return org, nil
		})
}

func inviteUser(d Deps) *action.Action {
	return action.New("inviteUser").
		Params(action.NewSchema(
			action.RequiredStr("orgId"),
			action.Field{Name: "email", Type: action.TypeString, Required: true, Check: func(v any) string {
				if !strings.Contains(v.(string), "@") {
					return "must be an email address"
				}
				return ""
			}},
			action.Enum("role", "admin", "reviewer", "researcher", "member"),
		)).
		RequireAbilityTo(ability.ActionInvite, ability.SubjectUser).
		Handler(func(ctx context.Context, args action.Args, ac *action.Context) (any, error) {
			invite, err := d.Directory.InviteUser(ctx, args.String("orgId"), args.String("email"), args.String("role"))
			if errors.Is(err, directory.ErrNotFound) {
				return nil, &action.NotFoundError{Entity: "org"}
			}
			if err != nil {
				return nil, err
			}
			_ = audit.LogEvent(ctx, "user.invited", map[string]any{"orgId": invite.OrgID, "role": invite.Role})
			return invite, nil
		})
}
