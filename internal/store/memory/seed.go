package memory

import (
	"time"

	"parcela.org/internal/authz"
	"parcela.org/internal/roles"
	"parcela.org/internal/workflow"
)

// Built-in role ids, matching ops/migrations/seeds.
const (
	RoleAdministrator = "role-administrator"
	RoleRegistrar     = "role-registrar"
	RoleClerk         = "role-clerk"

	// DemoPropertyID is the target record SeedDemoProperty creates.
	DemoPropertyID = "property-demo"
)

// SeedBuiltins loads the permission catalog and the three built-in roles,
// and creates an active administrator actor when adminID is non-empty.
func (s *Store) SeedBuiltins(adminID string) {
	all := make([]string, 0, len(authz.BuiltinPermissions))
	for _, p := range authz.BuiltinPermissions {
		all = append(all, s.AddPermission(p).ID)
	}
	s.SeedRole(roles.Role{
		ID:              RoleAdministrator,
		Name:            "Administrator",
		Description:     "Full access to every module",
		IsSystem:        true,
		IsActive:        true,
		BypassAllChecks: true,
	}, all...)
	s.SeedRole(roles.Role{
		ID:          RoleRegistrar,
		Name:        "Registrar",
		Description: "Reviews and decides change requests",
		IsSystem:    true,
		IsActive:    true,
	}, "perm-property-read", "perm-workflow-read", "perm-workflow-approve", "perm-workflow-cancel",
		"perm-history-read", "perm-audit-read", "perm-role-read")
	s.SeedRole(roles.Role{
		ID:          RoleClerk,
		Name:        "Clerk",
		Description: "Views records and submits change requests",
		IsActive:    true,
	}, "perm-property-read", "perm-workflow-request", "perm-workflow-read", "perm-history-read")
	if adminID != "" {
		s.AddActor(Actor{ID: adminID, RoleID: RoleAdministrator, Active: true})
	}
}

// SeedDemoProperty creates one property record so change requests can be
// approved without Postgres.
func (s *Store) SeedDemoProperty() {
	s.PutTarget(DemoPropertyID, map[string]workflow.Value{
		"cadastralNumber": workflow.String("01:001:0001"),
		"registeredOwner": workflow.String("Alice Example"),
		"address":         workflow.String("1 Registry Square"),
		"areaSqm":         workflow.Number(120),
		"landUse":         workflow.String("residential"),
		"status":          workflow.String("ACTIVE"),
		"encumbrance":     workflow.Null(),
		"mortgaged":       workflow.Bool(false),
		"surveyedAt":      workflow.Timestamp(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)),
		"deletedAt":       workflow.Null(),
	})
}
