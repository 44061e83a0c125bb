package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcela.org/internal/authz"
	"parcela.org/internal/workflow"
)

func TestSeedBuiltins(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedBuiltins("root")
	s.AddActor(Actor{ID: "reg", RoleID: RoleRegistrar, Active: true})
	s.AddActor(Actor{ID: "clerk", RoleID: RoleClerk, Active: true})

	rs, err := s.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 3)

	admin, err := s.LoadPrincipal(ctx, "root")
	require.NoError(t, err)
	assert.True(t, admin.IsPrivileged())
	assert.True(t, admin.Has(authz.RoleDelete))

	reg, err := s.LoadPrincipal(ctx, "reg")
	require.NoError(t, err)
	assert.False(t, reg.IsPrivileged())
	assert.True(t, reg.HasAllPermissions(authz.WorkflowApprove, authz.WorkflowCancel, authz.AuditRead))
	assert.False(t, reg.Has(authz.WorkflowRequest))

	clerk, err := s.LoadPrincipal(ctx, "clerk")
	require.NoError(t, err)
	assert.True(t, clerk.Has(authz.WorkflowRequest))
	assert.False(t, clerk.HasAnyPermission(authz.WorkflowApprove, authz.RoleCreate))
}

func TestSeedBuiltinsWithoutAdmin(t *testing.T) {
	s := New()
	s.SeedBuiltins("")
	_, err := s.LoadPrincipal(context.Background(), "admin")
	require.Error(t, err)
}

func TestSeedDemoPropertyCanBeChanged(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedBuiltins("root")
	s.SeedDemoProperty()

	svc, err := workflow.NewService(s)
	require.NoError(t, err)
	wf, err := svc.Create(ctx, workflow.CreateInput{
		TargetID:    DemoPropertyID,
		Type:        workflow.TypeOwnerChange,
		Description: "sale",
		Priority:    workflow.PriorityNormal,
		Changes: workflow.Changes{
			"registeredOwner": {Old: workflow.String("Alice Example"), New: workflow.String("Bob Example")},
		},
		InitiatorID: "root",
	})
	require.NoError(t, err)
	_, err = svc.Decide(ctx, wf.ID, "root", workflow.DecisionApprove, "")
	require.NoError(t, err)

	fields, ok := s.Target(DemoPropertyID)
	require.True(t, ok)
	assert.True(t, fields["registeredOwner"].Equal(workflow.String("Bob Example")))
}
