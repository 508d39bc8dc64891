package httpapi

import (
	"net/http"
	"strings"

	"studygate.org/internal/action"
)

// handleAction invokes a registered action by name. The response body is the
// pipeline result in its stable JSON shape; the status code classifies the
// outcome for clients that branch before reading the body.
func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/actions/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, r, http.StatusNotFound, "unknown action")
		return
	}
	act, ok := a.registry.Get(name)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown action")
		return
	}

	args := map[string]any{}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &args); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	result := act.Invoke(r.Context(), args)
	writeJSON(w, statusFor(result), result)
}

func statusFor(res action.Result) int {
	if res.OK() {
		return http.StatusOK
	}
	switch res.Failure.Kind {
	case action.FailureValidation:
		return http.StatusBadRequest
	case action.FailureAccessDenied:
		return http.StatusForbidden
	case action.FailureAction:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
