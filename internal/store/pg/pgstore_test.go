package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"parcela.org/internal/audit"
	"parcela.org/internal/errs"
	"parcela.org/internal/roles"
	"parcela.org/internal/workflow"
)

var workflowCols = []string{
	"id", "target_id", "workflow_type", "description", "priority", "status", "proposed_changes",
	"initiator_id", "decider_id", "decided_at", "approved_at", "rejected_reason", "created_at", "updated_at",
}

const ownerChanges = `{"registeredOwner":{"fieldName":"registeredOwner","oldValue":"Alice","newValue":"Bob"}}`

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func pendingRow(id string, created time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(workflowCols).AddRow(
		id, "prop-1", "OWNER_CHANGE", "owner change", "HIGH", "PENDING", []byte(ownerChanges),
		"clerk-1", nil, nil, nil, nil, created, created)
}

func decidedRow(id, status string, created, at time.Time) *sqlmock.Rows {
	var approved any
	if status == "APPROVED" {
		approved = at
	}
	return sqlmock.NewRows(workflowCols).AddRow(
		id, "prop-1", "OWNER_CHANGE", "owner change", "HIGH", status, []byte(ownerChanges),
		"clerk-1", "admin-1", at, approved, nil, created, at)
}

func newWorkflowService(t *testing.T, store *Store, at time.Time) *workflow.Service {
	t.Helper()
	svc, err := workflow.NewService(store, workflow.WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestApproveRunsInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	at := created.Add(time.Hour)

	mock.ExpectQuery("select.*from workflows\\s+where id = \\$1").WithArgs("wf-1").WillReturnRows(pendingRow("wf-1", created))
	mock.ExpectBegin()
	mock.ExpectQuery("update workflows\\s+set status = \\$2.*where id = \\$1 and status = 'PENDING'").
		WithArgs("wf-1", "APPROVED", "admin-1", at, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(decidedRow("wf-1", "APPROVED", created, at))
	mock.ExpectExec("insert into change_history").
		WithArgs(sqlmock.AnyArg(), "prop-1", "wf-1", "registeredOwner", "Alice", "Bob", "UPDATE", "admin-1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update properties set registered_owner = \\$1, last_updated_by = \\$2, updated_at = \\$3 where id = \\$4").
		WithArgs("Bob", "admin-1", at, "prop-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_logs").
		WithArgs(sqlmock.AnyArg(), "APPROVE", "workflow", "wf-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := newWorkflowService(t, store, at)
	w, err := svc.Decide(context.Background(), "wf-1", "admin-1", workflow.DecisionApprove, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if w.Status != workflow.StatusApproved || w.ApprovedAt == nil {
		t.Fatalf("unexpected workflow: %+v", w)
	}
	if got := w.Changes["registeredOwner"].New; !got.Equal(workflow.String("Bob")) {
		t.Fatalf("changes not decoded: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionLostRace(t *testing.T) {
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	at := created.Add(time.Hour)

	cases := []struct {
		name   string
		expect func(sqlmock.Sqlmock)
	}{
		{
			name: "zero rows",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("update workflows").WillReturnRows(sqlmock.NewRows(workflowCols))
				mock.ExpectQuery("select status from workflows where id = \\$1").WithArgs("wf-1").
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("APPROVED"))
			},
		},
		{
			name: "serialization failure",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("update workflows").WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery("select.*from workflows").WillReturnRows(pendingRow("wf-1", created))
			mock.ExpectBegin()
			tc.expect(mock)
			mock.ExpectRollback()

			svc := newWorkflowService(t, store, at)
			_, err := svc.Decide(context.Background(), "wf-1", "admin-2", workflow.DecisionReject, "duplicate")
			if !errors.Is(err, workflow.ErrAlreadyProcessed) || !errors.Is(err, errs.ErrConflict) {
				t.Fatalf("expected already processed conflict, got %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestTransitionMissingWorkflow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("update workflows").WillReturnRows(sqlmock.NewRows(workflowCols))
	mock.ExpectQuery("select status from workflows").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(uow workflow.UnitOfWork) error {
		_, err := uow.Transition(context.Background(), workflow.Transition{WorkflowID: "nope", To: workflow.StatusCancelled, ActorID: "u", At: time.Now()})
		return err
	})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailedTargetUpdateRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	at := created.Add(time.Hour)

	mock.ExpectQuery("select.*from workflows").WillReturnRows(pendingRow("wf-1", created))
	mock.ExpectBegin()
	mock.ExpectQuery("update workflows").WillReturnRows(decidedRow("wf-1", "APPROVED", created, at))
	mock.ExpectExec("insert into change_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update properties").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	svc := newWorkflowService(t, store, at)
	_, err := svc.Decide(context.Background(), "wf-1", "admin-1", workflow.DecisionApprove, "")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found from target update, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitFailureIsTransactionError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := store.WithinTx(context.Background(), func(uow workflow.UnitOfWork) error {
		return uow.AppendAudit(context.Background(), audit.Entry{ID: "a1", Action: audit.ActionUpdate, EntityType: "workflow", EntityID: "wf", OccurredAt: time.Now()})
	})
	if !errors.Is(err, errs.ErrTransaction) {
		t.Fatalf("expected transaction error, got %v", err)
	}
}

func TestCreateRejectsUnknownPropertyField(t *testing.T) {
	store, mock := newMockStore(t)
	svc := newWorkflowService(t, store, time.Now())

	_, err := svc.Create(context.Background(), workflow.CreateInput{
		TargetID:    "prop-1",
		Type:        workflow.TypePropertyUpdate,
		Changes:     workflow.Changes{"favouriteColour": {New: workflow.String("blue")}},
		InitiatorID: "clerk-1",
	})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	_, err = svc.Create(context.Background(), workflow.CreateInput{
		TargetID:    "prop-1",
		Type:        workflow.TypePropertyUpdate,
		Changes:     workflow.Changes{"areaSqm": {New: workflow.String("large")}},
		InitiatorID: "clerk-1",
	})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected kind mismatch to be rejected, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

func TestListWorkflowsQueueOrder(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from workflows\\s+where status = \\$1\\s+order by case priority .* desc, created_at asc, id asc").
		WithArgs("PENDING").
		WillReturnRows(pendingRow("wf-1", created))

	list, err := store.ListWorkflows(context.Background(), workflow.Query{Status: workflow.StatusPending, Order: workflow.OrderQueue})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(list) != 1 || list[0].ID != "wf-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCreateRoleDuplicateName(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into roles").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := store.CreateRole(context.Background(), roles.Role{ID: "r1", Name: "Clerk", IsActive: true}, []string{"perm-property-read"})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRoleUnknownPermission(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "perm-missing").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	_, err := store.CreateRole(context.Background(), roles.Role{ID: "r1", Name: "Clerk", IsActive: true}, []string{"perm-missing"})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUpdateRoleReplacesPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("update roles").WithArgs("r1", "Clerk", sqlmock.AnyArg(), true, false, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from role_permissions where role_id = \\$1").WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "perm-property-read").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from roles r\\s+where r.id = \\$1").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "is_system", "is_active", "bypass_all_checks", "created_at", "updated_at", "count"}).
			AddRow("r1", "Clerk", nil, false, true, false, now, now, 2))
	mock.ExpectQuery("from role_permissions rp").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "module", "action", "description"}).
			AddRow("perm-property-read", "property", "read", "View property records"))
	mock.ExpectCommit()

	role, err := store.UpdateRole(context.Background(), roles.Role{ID: "r1", Name: "Clerk", IsActive: true, UpdatedAt: now}, []string{"perm-property-read"})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if role.ActorCount != 2 || len(role.Permissions) != 1 || role.Permissions[0].Action != "read" {
		t.Fatalf("unexpected role: %+v", role)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteRoleHeldByActors(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select count\\(\\*\\) from actors where role_id = \\$1").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	if err := store.DeleteRole(context.Background(), "r1"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignInactiveRole(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select name, is_active from roles").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "is_active"}).AddRow("Dormant", false))
	mock.ExpectRollback()

	if err := store.AssignActorRole(context.Background(), "u1", "r1"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestLoadPrincipal(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from actors a\\s+join roles r").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_active", "role_id", "role_name", "is_system", "bypass"}).
			AddRow("u1", true, "role-clerk", "Clerk", false, false))
	mock.ExpectQuery("select p.module, p.action").WithArgs("role-clerk").
		WillReturnRows(sqlmock.NewRows([]string{"module", "action"}).AddRow("property", "read"))

	p, err := store.LoadPrincipal(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadPrincipal: %v", err)
	}
	if !p.HasPermission("property", "read") || p.HasPermission("property", "update") || p.IsPrivileged() {
		t.Fatalf("unexpected principal: %+v", p.Pairs())
	}

	mock.ExpectQuery("from actors a").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	if _, err := store.LoadPrincipal(context.Background(), "ghost"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAuditFilters(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from audit_logs\\s+where entity_type = \\$1 and action = \\$2\\s+order by occurred_at desc, id desc\\s+limit \\$3").
		WithArgs("workflow", "APPROVE", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "entity_type", "entity_id", "actor_id", "changes", "metadata", "ip_address", "user_agent", "occurred_at"}).
			AddRow("a1", "APPROVE", "workflow", "wf-1", "admin-1", []byte(`{"registeredOwner":{"old":"Alice","new":"Bob"}}`), []byte(`{"fields_applied":"1"}`), nil, nil, at))

	entries, err := store.ListAudit(context.Background(), audit.Filter{EntityType: "workflow", Action: audit.ActionApprove})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	diff := entries[0].Changes["registeredOwner"]
	if diff.New == nil || *diff.New != "Bob" || entries[0].Metadata["fields_applied"] != "1" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestPropertyFields(t *testing.T) {
	fields := PropertyFields()
	if len(fields) != len(propertyColumns) || fields[0] != "address" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if err := checkPropertyValue("mortgaged", workflow.Null()); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("mortgaged must not accept null, got %v", err)
	}
	if err := checkPropertyValue("deletedAt", workflow.Null()); err != nil {
		t.Fatalf("deletedAt accepts null: %v", err)
	}
}
