package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
	"parcela.org/internal/ids"
)

// Invalidator drops cached principal snapshots after role changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service enforces role invariants on top of a Store.
type Service struct {
	store       Store
	invalidator Invalidator
	log         *zap.SugaredLogger
	now         func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithInvalidator purges principal caches after writes.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) {
		s.invalidator = inv
	}
}

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
		return nil, errors.New("role store is required")
	}
	s := &Service{store: store, log: zap.NewNop().Sugar(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) CreateRole(ctx context.Context, in CreateInput) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", errs.ErrInvalidInput)
	}
	permIDs, err := normalizePermissionIDs(in.PermissionIDs)
	if err != nil {
		return Role{}, err
	}
	now := s.now().UTC()
	role := Role{
		ID:              ids.NewAt(now),
		Name:            name,
		Description:     strings.TrimSpace(in.Description),
		IsActive:        true,
		BypassAllChecks: in.BypassAllChecks,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s.store.CreateRole(ctx, role, permIDs)
}

func (s *Service) UpdateRole(ctx context.Context, roleID string, in UpdateInput) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role id is required", errs.ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", errs.ErrInvalidInput)
	}
	permIDs, err := normalizePermissionIDs(in.PermissionIDs)
	if err != nil {
		return Role{}, err
	}
	current, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if current.IsSystem && name != current.Name {
		return Role{}, fmt.Errorf("%w: system role %q cannot be renamed", errs.ErrForbidden, current.Name)
	}
	current.Name = name
	current.Description = strings.TrimSpace(in.Description)
	current.IsActive = in.IsActive
	if in.BypassAllChecks != nil {
		current.BypassAllChecks = *in.BypassAllChecks
	}
	current.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateRole(ctx, current, permIDs)
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, "update", roleID)
	return updated, nil
}

func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", errs.ErrInvalidInput)
	}
	current, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if current.IsSystem {
		return fmt.Errorf("%w: system role %q cannot be deleted", errs.ErrForbidden, current.Name)
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, "delete", roleID)
	return nil
}

func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role id is required", errs.ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) ListPermissions(ctx context.Context) ([]authz.Permission, error) {
	return s.store.ListPermissions(ctx)
}

// RoleStats never fails; fetch errors are logged and zeroed stats returned.
func (s *Service) RoleStats(ctx context.Context) Stats {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.log.Warnw("role stats unavailable", "error", err)
		return Stats{}
	}
	return stats
}

// AssignActorRole gives an actor a new role. Inactive roles are rejected.
func (s *Service) AssignActorRole(ctx context.Context, actorID, roleID string) error {
	actorID = strings.TrimSpace(actorID)
	roleID = strings.TrimSpace(roleID)
	if actorID == "" || roleID == "" {
		return fmt.Errorf("%w: actor id and role id are required", errs.ErrInvalidInput)
	}
	if err := s.store.AssignActorRole(ctx, actorID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, "assign", roleID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, op, roleID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.log.Warnw("principal cache invalidation failed", "op", op, "role_id", roleID, "error", err)
	}
}

func normalizePermissionIDs(in []string) ([]string, error) {
	out := dedupeStrings(in)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", errs.ErrInvalidInput)
	}
	return out, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SortRoles orders system roles first, then by name.
func SortRoles(list []Role) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].IsSystem != list[j].IsSystem {
			return list[i].IsSystem
		}
		return list[i].Name < list[j].Name
	})
}
