package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"parcela.org/internal/audit"
	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
	"parcela.org/internal/ids"
	"parcela.org/internal/obs"
)

const (
	entityWorkflow = "workflow"
	systemActor    = "system"
)

// ErrAlreadyProcessed is returned when a workflow has left PENDING.
var ErrAlreadyProcessed = fmt.Errorf("%w: workflow already processed", errs.ErrConflict)

// CreateInput is the payload of Create.
type CreateInput struct {
	TargetID    string
	Type        Type
	Description string
	Priority    Priority
	Changes     Changes
	InitiatorID string
}

// Service is the approval state machine.
type Service struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("workflow store is required")
	}
	s := &Service{store: store, log: zap.NewNop().Sugar(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create records a new PENDING workflow. Callers authorize the request
// capability; the engine does not.
func (s *Service) Create(ctx context.Context, in CreateInput) (Workflow, error) {
	in.TargetID = strings.TrimSpace(in.TargetID)
	in.InitiatorID = strings.TrimSpace(in.InitiatorID)
	if in.TargetID == "" {
		return Workflow{}, fmt.Errorf("%w: target id is required", errs.ErrInvalidInput)
	}
	if in.InitiatorID == "" {
		return Workflow{}, fmt.Errorf("%w: initiator is required", errs.ErrInvalidInput)
	}
	if _, err := ParseType(string(in.Type)); err != nil {
		return Workflow{}, err
	}
	priority, err := ParsePriority(string(in.Priority))
	if err != nil {
		return Workflow{}, err
	}
	if err := in.Changes.Validate(); err != nil {
		return Workflow{}, err
	}
	if fc, ok := s.store.(FieldChecker); ok {
		if err := fc.CheckFields(in.Changes); err != nil {
			return Workflow{}, err
		}
	}

	now := s.now().UTC()
	w := Workflow{
		ID:          ids.NewAt(now),
		TargetID:    in.TargetID,
		Type:        in.Type,
		Description: strings.TrimSpace(in.Description),
		Priority:    priority,
		Status:      StatusPending,
		Changes:     in.Changes,
		InitiatorID: in.InitiatorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.WithinTx(ctx, func(uow UnitOfWork) error {
		if err := uow.Insert(ctx, w); err != nil {
			return err
		}
		return s.appendAudit(ctx, uow, audit.Entry{
			Action:     audit.ActionCreate,
			EntityType: entityWorkflow,
			EntityID:   w.ID,
			ActorID:    w.InitiatorID,
			Changes:    AuditChanges(w.Changes),
			Metadata: map[string]string{
				"target_id":     w.TargetID,
				"workflow_type": string(w.Type),
				"priority":      string(w.Priority),
			},
		}, now)
	})
	if err != nil {
		s.logFailure("create", w.ID, err)
		return Workflow{}, err
	}
	return w, nil
}

// Decide approves or rejects a pending workflow. Approval applies the
// proposed changes in the same transaction as the status change; a failure
// anywhere leaves the workflow PENDING.
func (s *Service) Decide(ctx context.Context, workflowID, actorID string, decision Decision, reason string) (Workflow, error) {
	workflowID = strings.TrimSpace(workflowID)
	actorID = strings.TrimSpace(actorID)
	reason = strings.TrimSpace(reason)
	if workflowID == "" || actorID == "" {
		return Workflow{}, fmt.Errorf("%w: workflow id and actor are required", errs.ErrInvalidInput)
	}
	if _, err := ParseDecision(string(decision)); err != nil {
		return Workflow{}, err
	}

	current, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	if current.Status != StatusPending {
		return Workflow{}, ErrAlreadyProcessed
	}
	if decision == DecisionReject && reason == "" {
		return Workflow{}, fmt.Errorf("%w: rejection reason is required", errs.ErrInvalidInput)
	}

	to := Status(decision)
	at := s.now().UTC()
	var decided Workflow
	err = s.store.WithinTx(ctx, func(uow UnitOfWork) error {
		t := Transition{WorkflowID: workflowID, To: to, ActorID: actorID, At: at}
		if decision == DecisionReject {
			t.Reason = reason
		}
		w, err := uow.Transition(ctx, t)
		if err != nil {
			return err
		}
		entry := audit.Entry{
			Action:     audit.ActionReject,
			EntityType: entityWorkflow,
			EntityID:   w.ID,
			ActorID:    actorID,
			Metadata: map[string]string{
				"target_id":     w.TargetID,
				"workflow_type": string(w.Type),
			},
		}
		if decision == DecisionApprove {
			n, err := ApplyChanges(ctx, uow, w, actorID, at)
			if err != nil {
				return err
			}
			entry.Action = audit.ActionApprove
			entry.Changes = AuditChanges(w.Changes)
			entry.Metadata["fields_applied"] = strconv.Itoa(n)
		} else {
			entry.Metadata["reason"] = reason
		}
		if err := s.appendAudit(ctx, uow, entry, at); err != nil {
			return err
		}
		decided = w
		return nil
	})
	s.observe(to, err)
	if err != nil {
		s.logFailure("decide", workflowID, err)
		return Workflow{}, err
	}
	s.log.Infow("workflow decided", "workflow_id", workflowID, "status", decided.Status, "actor_id", actorID)
	return decided, nil
}

// Cancel withdraws a pending workflow. The initiator may cancel their own
// request; anyone else needs workflow:cancel.
func (s *Service) Cancel(ctx context.Context, workflowID string, by authz.Principal, reason string) (Workflow, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return Workflow{}, fmt.Errorf("%w: workflow id is required", errs.ErrInvalidInput)
	}
	if !by.Authenticated() {
		return Workflow{}, errs.ErrUnauthorized
	}
	current, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	own := current.InitiatorID == by.ActorID && by.Active
	if !own {
		if err := authz.Require(by, authz.WorkflowCancel); err != nil {
			return Workflow{}, err
		}
	}
	if current.Status != StatusPending {
		return Workflow{}, ErrAlreadyProcessed
	}

	at := s.now().UTC()
	var cancelled Workflow
	err = s.store.WithinTx(ctx, func(uow UnitOfWork) error {
		w, err := uow.Transition(ctx, Transition{WorkflowID: workflowID, To: StatusCancelled, ActorID: by.ActorID, At: at})
		if err != nil {
			return err
		}
		meta := map[string]string{"status": string(StatusCancelled), "target_id": w.TargetID}
		if reason = strings.TrimSpace(reason); reason != "" {
			meta["reason"] = reason
		}
		cancelled = w
		return s.appendAudit(ctx, uow, audit.Entry{
			Action:     audit.ActionUpdate,
			EntityType: entityWorkflow,
			EntityID:   w.ID,
			ActorID:    by.ActorID,
			Metadata:   meta,
		}, at)
	})
	s.observe(StatusCancelled, err)
	if err != nil {
		s.logFailure("cancel", workflowID, err)
		return Workflow{}, err
	}
	return cancelled, nil
}

// ExpireStale moves PENDING workflows older than maxAge to EXPIRED and
// returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", errs.ErrInvalidInput)
	}
	at := s.now().UTC()
	cutoff := at.Add(-maxAge)
	var expired []Workflow
	err := s.store.WithinTx(ctx, func(uow UnitOfWork) error {
		list, err := uow.ExpirePending(ctx, cutoff, at)
		if err != nil {
			return err
		}
		for _, w := range list {
			if err := s.appendAudit(ctx, uow, audit.Entry{
				Action:     audit.ActionUpdate,
				EntityType: entityWorkflow,
				EntityID:   w.ID,
				ActorID:    systemActor,
				Metadata: map[string]string{
					"status":    string(StatusExpired),
					"target_id": w.TargetID,
					"cutoff":    cutoff.Format(time.RFC3339),
				},
			}, at); err != nil {
				return err
			}
		}
		expired = list
		return nil
	})
	if err != nil {
		s.logFailure("expire", "", err)
		return 0, err
	}
	for range expired {
		obs.ObserveTransition(string(StatusExpired), "ok")
	}
	return len(expired), nil
}

func (s *Service) Get(ctx context.Context, workflowID string) (Workflow, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return Workflow{}, fmt.Errorf("%w: workflow id is required", errs.ErrInvalidInput)
	}
	return s.store.GetWorkflow(ctx, workflowID)
}

// ListPending is the review queue: priority descending, oldest first.
// An empty typ lists every type.
func (s *Service) ListPending(ctx context.Context, typ Type) ([]Workflow, error) {
	if typ != "" {
		if _, err := ParseType(string(typ)); err != nil {
			return nil, err
		}
	}
	return s.store.ListWorkflows(ctx, Query{Status: StatusPending, Type: typ, Order: OrderQueue})
}

// ListByInitiator lists an actor's requests, priority descending, newest first.
func (s *Service) ListByInitiator(ctx context.Context, actorID string) ([]Workflow, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor is required", errs.ErrInvalidInput)
	}
	return s.store.ListWorkflows(ctx, Query{InitiatorID: actorID, Order: OrderRecent})
}

// ListAll lists every workflow, priority descending, newest first.
func (s *Service) ListAll(ctx context.Context) ([]Workflow, error) {
	return s.List(ctx, Query{})
}

// List filters workflows by status, type and initiator, priority
// descending, newest first. Status and type must be members of their sets.
func (s *Service) List(ctx context.Context, q Query) ([]Workflow, error) {
	if q.Status != "" {
		if _, err := ParseStatus(string(q.Status)); err != nil {
			return nil, err
		}
	}
	if q.Type != "" {
		if _, err := ParseType(string(q.Type)); err != nil {
			return nil, err
		}
	}
	q.InitiatorID = strings.TrimSpace(q.InitiatorID)
	q.Order = OrderRecent
	return s.store.ListWorkflows(ctx, q)
}

// StatusCounts groups workflows by status, optionally for one initiator.
// Every status is present in the result.
func (s *Service) StatusCounts(ctx context.Context, initiatorID string) (map[Status]int, error) {
	counts, err := s.store.CountByStatus(ctx, strings.TrimSpace(initiatorID))
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		out[st] = counts[st]
	}
	return out, nil
}

// History returns the field change rows of a target, oldest first.
func (s *Service) History(ctx context.Context, targetID string) ([]ChangeHistory, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, fmt.Errorf("%w: target id is required", errs.ErrInvalidInput)
	}
	return s.store.History(ctx, targetID)
}

func (s *Service) appendAudit(ctx context.Context, uow UnitOfWork, e audit.Entry, at time.Time) error {
	if err := audit.Prepare(ctx, &e, at); err != nil {
		return err
	}
	return uow.AppendAudit(ctx, e)
}

func (s *Service) observe(to Status, err error) {
	switch {
	case err == nil:
		obs.ObserveTransition(string(to), "ok")
	case errors.Is(err, ErrAlreadyProcessed):
		obs.ObserveTransition(string(to), "conflict")
	default:
		obs.ObserveTransition(string(to), "error")
	}
}

// logFailure logs unexpected failures; taxonomy errors are the caller's concern.
func (s *Service) logFailure(op, workflowID string, err error) {
	for _, known := range []error{errs.ErrInvalidInput, errs.ErrNotFound, errs.ErrConflict, errs.ErrForbidden, errs.ErrUnauthorized} {
		if errors.Is(err, known) {
			return
		}
	}
	s.log.Errorw("workflow operation failed", "op", op, "workflow_id", workflowID, "error", err)
}
