package authz

// Built-in capability pairs checked by the API.
var (
	PropertyRead   = P("property", "read")
	PropertyCreate = P("property", "create")
	PropertyUpdate = P("property", "update")
	PropertyDelete = P("property", "delete")

	WorkflowRequest = P("workflow", "request")
	WorkflowRead    = P("workflow", "read")
	WorkflowApprove = P("workflow", "approve")
	WorkflowCancel  = P("workflow", "cancel")

	RoleRead   = P("role", "read")
	RoleCreate = P("role", "create")
	RoleUpdate = P("role", "update")
	RoleDelete = P("role", "delete")
	RoleAssign = P("role", "assign")

	AuditRead  = P("audit", "read")
	AuditWrite = P("audit", "write")

	HistoryRead = P("history", "read")
)

// BuiltinPermissions lists the catalog seeded by migrations. IDs match the
// seed file.
var BuiltinPermissions = []Permission{
	{ID: "perm-property-read", Module: "property", Action: "read", Description: "View property records"},
	{ID: "perm-property-create", Module: "property", Action: "create", Description: "Create property records"},
	{ID: "perm-property-update", Module: "property", Action: "update", Description: "Request edits to property records"},
	{ID: "perm-property-delete", Module: "property", Action: "delete", Description: "Request deletion of property records"},
	{ID: "perm-workflow-request", Module: "workflow", Action: "request", Description: "Submit change requests"},
	{ID: "perm-workflow-read", Module: "workflow", Action: "read", Description: "Browse change requests"},
	{ID: "perm-workflow-approve", Module: "workflow", Action: "approve", Description: "Approve or reject change requests"},
	{ID: "perm-workflow-cancel", Module: "workflow", Action: "cancel", Description: "Cancel change requests of other actors"},
	{ID: "perm-role-read", Module: "role", Action: "read", Description: "View roles and permissions"},
	{ID: "perm-role-create", Module: "role", Action: "create", Description: "Create roles"},
	{ID: "perm-role-update", Module: "role", Action: "update", Description: "Edit roles and their permissions"},
	{ID: "perm-role-delete", Module: "role", Action: "delete", Description: "Delete roles"},
	{ID: "perm-role-assign", Module: "role", Action: "assign", Description: "Assign roles to actors"},
	{ID: "perm-audit-read", Module: "audit", Action: "read", Description: "Read the audit log"},
	{ID: "perm-audit-write", Module: "audit", Action: "write", Description: "Record audit events"},
	{ID: "perm-history-read", Module: "history", Action: "read", Description: "Read field change history"},
}
