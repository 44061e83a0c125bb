package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"parcela.org/internal/audit"
	"parcela.org/internal/errs"
	"parcela.org/internal/workflow"
)

const workflowColumns = `
	id, target_id, workflow_type, description, priority, status, proposed_changes,
	initiator_id, decider_id, decided_at, approved_at, rejected_reason, created_at, updated_at`

const priorityRank = `case priority when 'URGENT' then 3 when 'HIGH' then 2 when 'NORMAL' then 1 else 0 end`

func (s *Store) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	if s.db == nil {
		return workflow.Workflow{}, errors.New(errDatabaseUnavailableText)
	}
	w, err := scanWorkflow(s.db.QueryRowContext(ctx, `select`+workflowColumns+`
		from workflows
		where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, fmt.Errorf("%w: workflow %s", errs.ErrNotFound, id)
	}
	return w, err
}

func (s *Store) ListWorkflows(ctx context.Context, q workflow.Query) ([]workflow.Workflow, error) {
	if s.db == nil {
		return nil, errors.New(errDatabaseUnavailableText)
	}
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", string(q.Status))
	add("workflow_type", string(q.Type))
	add("initiator_id", q.InitiatorID)

	query := `select` + workflowColumns + `
		from workflows`
	if len(where) > 0 {
		query += "\n\t\twhere " + strings.Join(where, " and ")
	}
	dir := "desc"
	if q.Order == workflow.OrderQueue {
		dir = "asc"
	}
	query += fmt.Sprintf("\n\t\torder by %s desc, created_at %s, id %s", priorityRank, dir, dir)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) CountByStatus(ctx context.Context, initiatorID string) (map[workflow.Status]int, error) {
	if s.db == nil {
		return nil, errors.New(errDatabaseUnavailableText)
	}
	query := `select status, count(*) from workflows`
	var args []any
	if initiatorID != "" {
		query += ` where initiator_id = $1`
		args = append(args, initiatorID)
	}
	query += ` group by status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[workflow.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[workflow.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) History(ctx context.Context, targetID string) ([]workflow.ChangeHistory, error) {
	if s.db == nil {
		return nil, errors.New(errDatabaseUnavailableText)
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, target_id, workflow_id, field_name, old_value, new_value, change_type, changed_by, changed_at, reason
		from change_history
		where target_id = $1
		order by changed_at, id
	`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []workflow.ChangeHistory
	for rows.Next() {
		var (
			h                  workflow.ChangeHistory
			oldVal, newVal     sql.NullString
			changeType, reason sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.TargetID, &h.WorkflowID, &h.FieldName, &oldVal, &newVal,
			&changeType, &h.ChangedBy, &h.ChangedAt, &reason); err != nil {
			return nil, err
		}
		h.OldValue = stringPtr(oldVal)
		h.NewValue = stringPtr(newVal)
		h.ChangeType = workflow.ChangeType(changeType.String)
		h.ChangedAt = h.ChangedAt.UTC()
		h.Reason = reason.String
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

// unitOfWork issues every write on one *sql.Tx.
type unitOfWork struct {
	tx *sql.Tx
}

func (u *unitOfWork) Insert(ctx context.Context, w workflow.Workflow) error {
	changes, err := json.Marshal(w.Changes)
	if err != nil {
		return fmt.Errorf("marshal proposed changes: %w", err)
	}
	_, err = u.tx.ExecContext(ctx, `
		insert into workflows (id, target_id, workflow_type, description, priority, status, proposed_changes, initiator_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, w.ID, w.TargetID, string(w.Type), nullIfEmpty(w.Description), string(w.Priority), string(w.Status),
		changes, w.InitiatorID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: workflow %s exists", errs.ErrConflict, w.ID)
		}
		return err
	}
	return nil
}

// Transition is a single conditional update. Zero affected rows means the
// workflow is missing or no longer pending; a serialization failure means a
// concurrent transaction moved it first.
func (u *unitOfWork) Transition(ctx context.Context, t workflow.Transition) (workflow.Workflow, error) {
	var approvedAt *time.Time
	if t.To == workflow.StatusApproved {
		approvedAt = &t.At
	}
	w, err := scanWorkflow(u.tx.QueryRowContext(ctx, `
		update workflows
		set status = $2, decider_id = $3, decided_at = $4, approved_at = $5, rejected_reason = $6, updated_at = $4
		where id = $1 and status = 'PENDING'
		returning`+workflowColumns,
		t.WorkflowID, string(t.To), t.ActorID, t.At, nullTime(approvedAt), nullIfEmpty(t.Reason)))
	if err == nil {
		return w, nil
	}
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrSerializationFailure {
		return workflow.Workflow{}, workflow.ErrAlreadyProcessed
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, err
	}
	var status string
	err = u.tx.QueryRowContext(ctx, `select status from workflows where id = $1`, t.WorkflowID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, fmt.Errorf("%w: workflow %s", errs.ErrNotFound, t.WorkflowID)
	}
	if err != nil {
		return workflow.Workflow{}, err
	}
	return workflow.Workflow{}, workflow.ErrAlreadyProcessed
}

func (u *unitOfWork) ExpirePending(ctx context.Context, cutoff, at time.Time) ([]workflow.Workflow, error) {
	rows, err := u.tx.QueryContext(ctx, `
		update workflows
		set status = 'EXPIRED', updated_at = $2
		where status = 'PENDING' and created_at < $1
		returning`+workflowColumns,
		cutoff, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (u *unitOfWork) InsertHistory(ctx context.Context, h workflow.ChangeHistory) error {
	_, err := u.tx.ExecContext(ctx, `
		insert into change_history (id, target_id, workflow_id, field_name, old_value, new_value, change_type, changed_by, changed_at, reason)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, h.ID, h.TargetID, h.WorkflowID, h.FieldName, nullString(h.OldValue), nullString(h.NewValue),
		string(h.ChangeType), h.ChangedBy, h.ChangedAt, nullIfEmpty(h.Reason))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: workflow %s", errs.ErrNotFound, h.WorkflowID)
		}
		return err
	}
	return nil
}

func (u *unitOfWork) UpdateTarget(ctx context.Context, targetID string, patch map[string]workflow.Value, updatedBy string, at time.Time) error {
	return updateProperty(ctx, u.tx, targetID, patch, updatedBy, at)
}

func (u *unitOfWork) AppendAudit(ctx context.Context, e audit.Entry) error {
	return insertAudit(ctx, u.tx, e)
}

func scanWorkflow(row scanner) (workflow.Workflow, error) {
	var (
		w                  workflow.Workflow
		typ, prio, status  string
		desc, decider, rej sql.NullString
		decided, approved  sql.NullTime
		rawChanges         []byte
	)
	if err := row.Scan(&w.ID, &w.TargetID, &typ, &desc, &prio, &status, &rawChanges,
		&w.InitiatorID, &decider, &decided, &approved, &rej, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return workflow.Workflow{}, err
	}
	w.Type = workflow.Type(typ)
	w.Priority = workflow.Priority(prio)
	w.Status = workflow.Status(status)
	w.Description = desc.String
	w.DeciderID = decider.String
	w.DecidedAt = timePtr(decided)
	w.ApprovedAt = timePtr(approved)
	w.RejectedReason = rej.String
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	if err := json.Unmarshal(rawChanges, &w.Changes); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decode proposed changes of %s: %w", w.ID, err)
	}
	return w, nil
}
