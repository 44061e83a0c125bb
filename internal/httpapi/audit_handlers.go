package httpapi

import (
	"net/http"
	"strings"

	"parcela.org/internal/audit"
	"parcela.org/internal/authz"
)

type recordAuditRequest struct {
	Action     string                     `json:"action"`
	EntityType string                     `json:"entity_type"`
	EntityID   string                     `json:"entity_id"`
	Changes    map[string]audit.FieldDiff `json:"changes"`
	Metadata   map[string]string          `json:"metadata"`
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.AuditRead); !ok {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		ActorID:    strings.TrimSpace(q.Get("actor_id")),
	}
	if raw := q.Get("action"); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		f.Action = action
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	f.Limit = limit

	entries, err := a.recorder.List(r.Context(), f)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries))
}

// recordAudit lets clients append their own events, such as exports. The
// actor is always the caller.
func (a *API) recordAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, authz.AuditWrite)
	if !ok {
		return
	}
	var req recordAuditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, err := audit.ParseAction(req.Action)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	entry, err := a.recorder.Record(r.Context(), audit.Entry{
		Action:     action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActorID:    p.ActorID,
		Changes:    req.Changes,
		Metadata:   req.Metadata,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
