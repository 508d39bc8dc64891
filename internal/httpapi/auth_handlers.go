package httpapi

import (
	"net/http"
	"strings"
	"time"

	"studygate.org/internal/audit"
	"studygate.org/internal/identity"
)

type tokenRequest struct {
	User      string                            `json:"user"`
	SiteAdmin bool                              `json:"siteAdmin"`
	Teams     map[string]identity.OrgMembership `json:"teams"`
	Envs      map[string]identity.EnvMetadata   `json:"envs"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken issues a development token. Teams, when given, are placed
// under the configured environment id; Envs overrides the whole metadata map.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}

	envs := req.Envs
	if envs == nil && len(req.Teams) > 0 {
		envs = map[string]identity.EnvMetadata{
			identity.EnvironmentID(): {Teams: req.Teams},
		}
	}
	if envs == nil && !req.SiteAdmin {
		writeError(w, r, http.StatusBadRequest, "teams are required for non-admin tokens")
		return
	}

	token, err := identity.GenerateToken(user, req.SiteAdmin, envs, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"site_admin": req.SiteAdmin,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
