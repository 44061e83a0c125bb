package roles

import (
	"context"
	"time"

	"parcela.org/internal/authz"
)

// Role groups permissions. System roles keep their name and cannot be deleted.
type Role struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	IsSystem        bool               `json:"is_system"`
	IsActive        bool               `json:"is_active"`
	BypassAllChecks bool               `json:"bypass_all_checks"`
	Permissions     []authz.Permission `json:"permissions"`
	ActorCount      int                `json:"actor_count"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CreateInput is the payload of CreateRole.
type CreateInput struct {
	Name            string
	Description     string
	BypassAllChecks bool
	PermissionIDs   []string
}

// UpdateInput is the payload of UpdateRole. Permissions are replaced wholesale.
// A nil BypassAllChecks keeps the stored flag.
type UpdateInput struct {
	Name            string
	Description     string
	IsActive        bool
	BypassAllChecks *bool
	PermissionIDs   []string
}

// Stats is advisory dashboard data.
type Stats struct {
	TotalRoles       int `json:"total_roles"`
	ActiveRoles      int `json:"active_roles"`
	InactiveRoles    int `json:"inactive_roles"`
	SystemRoles      int `json:"system_roles"`
	TotalActors      int `json:"total_actors"`
	TotalPermissions int `json:"total_permissions"`
}

// Store persists roles. Write methods are atomic.
type Store interface {
	// CreateRole inserts role and its permission assignments. Duplicate
	// names fail with errs.ErrConflict, unknown permissions with errs.ErrInvalidInput.
	CreateRole(ctx context.Context, role Role, permissionIDs []string) (Role, error)
	// UpdateRole rewrites scalar fields and replaces the permission set.
	UpdateRole(ctx context.Context, role Role, permissionIDs []string) (Role, error)
	// DeleteRole fails with errs.ErrConflict while any actor holds the role.
	DeleteRole(ctx context.Context, roleID string) error
	GetRole(ctx context.Context, roleID string) (Role, error)
	// ListRoles orders system roles first, then by name.
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]authz.Permission, error)
	Stats(ctx context.Context) (Stats, error)
	// AssignActorRole fails with errs.ErrConflict when the role is inactive.
	AssignActorRole(ctx context.Context, actorID, roleID string) error
}
