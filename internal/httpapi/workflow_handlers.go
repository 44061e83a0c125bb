package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"parcela.org/internal/authz"
	"parcela.org/internal/workflow"
)

type createWorkflowRequest struct {
	TargetID        string           `json:"targetId"`
	WorkflowType    string           `json:"workflowType"`
	Description     string           `json:"description"`
	Priority        string           `json:"priority"`
	ProposedChanges workflow.Changes `json:"proposedChanges"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) createWorkflow(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, authz.WorkflowRequest)
	if !ok {
		return
	}
	var req createWorkflowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wf, err := a.workflows.Create(r.Context(), workflow.CreateInput{
		TargetID:    req.TargetID,
		Type:        workflow.Type(strings.TrimSpace(req.WorkflowType)),
		Description: req.Description,
		Priority:    workflow.Priority(strings.TrimSpace(req.Priority)),
		Changes:     req.ProposedChanges,
		InitiatorID: p.ActorID,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/workflows/%s", wf.ID))
	writeJSON(w, http.StatusCreated, wf)
}

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.WorkflowRead); !ok {
		return
	}
	q := r.URL.Query()
	list, err := a.workflows.List(r.Context(), workflow.Query{
		Status:      workflow.Status(strings.TrimSpace(q.Get("status"))),
		Type:        workflow.Type(strings.TrimSpace(q.Get("type"))),
		InitiatorID: q.Get("initiator_id"),
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list))
}

// listPending is the review queue.
func (a *API) listPending(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensureAnyPermission(w, r, authz.WorkflowApprove, authz.WorkflowRead); !ok {
		return
	}
	typ := workflow.Type(strings.TrimSpace(r.URL.Query().Get("type")))
	list, err := a.workflows.ListPending(r.Context(), typ)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list))
}

func (a *API) listMine(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensureActive(w, r)
	if !ok {
		return
	}
	list, err := a.workflows.ListByInitiator(r.Context(), p.ActorID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list))
}

// statusCounts reports every status. ?mine=true limits to the caller's own
// requests and needs only an active account.
func (a *API) statusCounts(w http.ResponseWriter, r *http.Request) {
	mine := false
	if raw := r.URL.Query().Get("mine"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "mine must be a boolean")
			return
		}
		mine = v
	}
	var (
		p  authz.Principal
		ok bool
	)
	if mine {
		p, ok = a.ensureActive(w, r)
	} else {
		p, ok = a.ensurePermission(w, r, authz.WorkflowRead)
	}
	if !ok {
		return
	}
	initiator := ""
	if mine {
		initiator = p.ActorID
	}
	counts, err := a.workflows.StatusCounts(r.Context(), initiator)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// getWorkflow is visible to readers and to the initiator.
func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensureActive(w, r)
	if !ok {
		return
	}
	wf, err := a.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if wf.InitiatorID != p.ActorID {
		if err := authz.Require(p, authz.WorkflowRead); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) decideWorkflow(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, authz.WorkflowApprove)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision, err := workflow.ParseDecision(req.Decision)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	wf, err := a.workflows.Decide(r.Context(), chi.URLParam(r, "id"), p.ActorID, decision, req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// cancelWorkflow accepts an empty body.
func (a *API) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensureActive(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	wf, err := a.workflows.Cancel(r.Context(), chi.URLParam(r, "id"), p, req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) targetHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.HistoryRead); !ok {
		return
	}
	history, err := a.workflows.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(history))
}
