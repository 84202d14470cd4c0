package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleStreamAudit serves appended audit entries as Server-Sent Events.
// Each event carries the entry seq as its id so clients can backfill
// through /v1/audit?after=<id> after a reconnect.
func (a *API) handleStreamAudit(w http.ResponseWriter, r *http.Request) {
	ch, err := a.engine.WatchAuditLog(r.Context(), bearerToken(r), requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: audit\ndata: %s\n\n", entry.Seq, payload); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
