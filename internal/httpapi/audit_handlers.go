package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"authcore.dev/internal/audit"
)

func parseAuditFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		UserID:     q.Get("user"),
		SystemID:   q.Get("system"),
		Action:     q.Get("action"),
		Status:     audit.Status(q.Get("status")),
		Expression: q.Get("q"),
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(p.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return audit.Filter{}, fmt.Errorf("invalid %s: expected RFC3339", p.key)
			}
			*p.dst = t
		}
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return audit.Filter{}, errors.New("invalid after cursor")
		}
		f.AfterSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return audit.Filter{}, errors.New("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.engine.QueryAuditLog(r.Context(), bearerToken(r), f, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := a.engine.VerifyAuditChain(r.Context(), bearerToken(r), requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
