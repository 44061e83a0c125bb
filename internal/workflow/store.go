package workflow

import (
	"context"
	"time"

	"parcela.org/internal/audit"
)

// Transition is a conditional status change out of PENDING.
type Transition struct {
	WorkflowID string
	To         Status
	ActorID    string
	At         time.Time
	Reason     string
}

// UnitOfWork exposes the writes a workflow operation performs inside one
// transaction. Nothing written through it is visible until the enclosing
// WithinTx returns nil.
type UnitOfWork interface {
	Insert(ctx context.Context, w Workflow) error
	// Transition moves the workflow only if it is still PENDING and returns
	// the updated row. ErrAlreadyProcessed if it is not pending,
	// errs.ErrNotFound if it does not exist.
	Transition(ctx context.Context, t Transition) (Workflow, error)
	// ExpirePending moves every PENDING workflow created before cutoff to EXPIRED.
	ExpirePending(ctx context.Context, cutoff, at time.Time) ([]Workflow, error)
	InsertHistory(ctx context.Context, h ChangeHistory) error
	// UpdateTarget writes every field of the patch onto the target in one statement.
	UpdateTarget(ctx context.Context, targetID string, patch map[string]Value, updatedBy string, at time.Time) error
	AppendAudit(ctx context.Context, e audit.Entry) error
}

// Store reads workflows and opens units of work.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	ListWorkflows(ctx context.Context, q Query) ([]Workflow, error)
	CountByStatus(ctx context.Context, initiatorID string) (map[Status]int, error)
	History(ctx context.Context, targetID string) ([]ChangeHistory, error)
	// WithinTx runs fn atomically. Any error returned by fn discards every write.
	WithinTx(ctx context.Context, fn func(UnitOfWork) error) error
}

// FieldChecker is implemented by stores whose target records have a fixed
// schema. Create rejects changes it refuses.
type FieldChecker interface {
	CheckFields(c Changes) error
}
