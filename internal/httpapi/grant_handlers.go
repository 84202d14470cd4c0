package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"authcore.dev/internal/authz"
	"authcore.dev/internal/grants"
)

type grantRequest struct {
	AccessLevel string     `json:"access_level"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type deniedResponse struct {
	Error  string       `json:"error"`
	Reason authz.Reason `json:"reason"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	verdict, err := a.engine.Authorize(r.Context(), bearerToken(r), chi.URLParam(r, "system"), requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	switch {
	case verdict.Allowed:
		writeJSON(w, http.StatusOK, verdict)
	case verdict.Reason == authz.ReasonUnauthenticated:
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
	default:
		writeJSON(w, http.StatusForbidden, deniedResponse{Error: "access denied", Reason: verdict.Reason})
	}
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.engine.Grant(r.Context(), bearerToken(r), grants.GrantRequest{
		UserID:      chi.URLParam(r, "user"),
		SystemID:    chi.URLParam(r, "system"),
		AccessLevel: req.AccessLevel,
		ExpiresAt:   req.ExpiresAt,
	}, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	g, err := a.engine.Revoke(r.Context(), bearerToken(r), chi.URLParam(r, "user"), chi.URLParam(r, "system"), requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := grants.ListFilter{
		UserID:     q.Get("user"),
		SystemID:   q.Get("system"),
		ActiveOnly: q.Get("active") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	list, err := a.engine.ListGrants(r.Context(), bearerToken(r), f, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if list == nil {
		list = []grants.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": list})
}
