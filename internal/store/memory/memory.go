// Package memory is a mutex-guarded in-process implementation of every
// store interface, used by tests and local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"parcela.org/internal/audit"
	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
	"parcela.org/internal/ids"
	"parcela.org/internal/roles"
	"parcela.org/internal/workflow"
)

// Actor is a user holding exactly one role.
type Actor struct {
	ID     string
	RoleID string
	Active bool
}

// Store holds all state behind one lock.
type Store struct {
	mu          sync.RWMutex
	permissions map[string]authz.Permission
	roles       map[string]roles.Role
	rolePerms   map[string]map[string]struct{}
	actors      map[string]Actor
	workflows   map[string]workflow.Workflow
	history     []workflow.ChangeHistory
	targets     map[string]map[string]workflow.Value
	auditLog    []audit.Entry
}

var (
	_ roles.Store    = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
	_ authz.Source   = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		permissions: make(map[string]authz.Permission),
		roles:       make(map[string]roles.Role),
		rolePerms:   make(map[string]map[string]struct{}),
		actors:      make(map[string]Actor),
		workflows:   make(map[string]workflow.Workflow),
		targets:     make(map[string]map[string]workflow.Value),
	}
}

// AddPermission registers a catalog entry, assigning an ID when empty.
func (s *Store) AddPermission(p authz.Permission) authz.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.permissions[p.ID] = p
	return p
}

// SeedRole inserts a role as-is, including system roles.
func (s *Store) SeedRole(r roles.Role, permissionIDs ...string) roles.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	s.roles[r.ID] = r
	s.setPerms(r.ID, permissionIDs)
	return s.hydrate(r)
}

// AddActor creates or replaces an actor.
func (s *Store) AddActor(a Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[a.ID] = a
}

// PutTarget creates or replaces a target record.
func (s *Store) PutTarget(id string, fields map[string]workflow.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[id] = copyFields(fields)
}

// Target returns a copy of a target record.
func (s *Store) Target(id string) (map[string]workflow.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, false
	}
	return copyFields(t), true
}

func copyFields(in map[string]workflow.Value) map[string]workflow.Value {
	out := make(map[string]workflow.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- roles.Store ---

func (s *Store) CreateRole(_ context.Context, role roles.Role, permissionIDs []string) (roles.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(role.Name, "") {
		return roles.Role{}, fmt.Errorf("%w: role %q already exists", errs.ErrConflict, role.Name)
	}
	if err := s.checkPerms(permissionIDs); err != nil {
		return roles.Role{}, err
	}
	s.roles[role.ID] = role
	s.setPerms(role.ID, permissionIDs)
	return s.hydrate(role), nil
}

func (s *Store) UpdateRole(_ context.Context, role roles.Role, permissionIDs []string) (roles.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.roles[role.ID]
	if !ok {
		return roles.Role{}, errs.ErrNotFound
	}
	if s.nameTaken(role.Name, role.ID) {
		return roles.Role{}, fmt.Errorf("%w: role %q already exists", errs.ErrConflict, role.Name)
	}
	if err := s.checkPerms(permissionIDs); err != nil {
		return roles.Role{}, err
	}
	role.IsSystem = current.IsSystem
	role.CreatedAt = current.CreatedAt
	s.roles[role.ID] = role
	s.setPerms(role.ID, permissionIDs)
	return s.hydrate(role), nil
}

func (s *Store) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return errs.ErrNotFound
	}
	if n := s.actorCount(roleID); n > 0 {
		return fmt.Errorf("%w: role is assigned to %d actor(s)", errs.ErrConflict, n)
	}
	delete(s.roles, roleID)
	delete(s.rolePerms, roleID)
	return nil
}

func (s *Store) GetRole(_ context.Context, roleID string) (roles.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return roles.Role{}, errs.ErrNotFound
	}
	return s.hydrate(r), nil
}

func (s *Store) ListRoles(_ context.Context) ([]roles.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]roles.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, s.hydrate(r))
	}
	roles.SortRoles(out)
	return out, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]authz.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]authz.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) Stats(_ context.Context) (roles.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := roles.Stats{
		TotalRoles:       len(s.roles),
		TotalActors:      len(s.actors),
		TotalPermissions: len(s.permissions),
	}
	for _, r := range s.roles {
		if r.IsActive {
			st.ActiveRoles++
		} else {
			st.InactiveRoles++
		}
		if r.IsSystem {
			st.SystemRoles++
		}
	}
	return st, nil
}

func (s *Store) AssignActorRole(_ context.Context, actorID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[actorID]
	if !ok {
		return fmt.Errorf("%w: actor %s", errs.ErrNotFound, actorID)
	}
	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%w: role %s", errs.ErrNotFound, roleID)
	}
	if !r.IsActive {
		return fmt.Errorf("%w: role %q is inactive", errs.ErrConflict, r.Name)
	}
	a.RoleID = roleID
	s.actors[actorID] = a
	return nil
}

func (s *Store) nameTaken(name, exceptID string) bool {
	for id, r := range s.roles {
		if id != exceptID && r.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) checkPerms(permissionIDs []string) error {
	for _, id := range permissionIDs {
		if _, ok := s.permissions[id]; !ok {
			return fmt.Errorf("%w: unknown permission %s", errs.ErrInvalidInput, id)
		}
	}
	return nil
}

func (s *Store) setPerms(roleID string, permissionIDs []string) {
	set := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		set[id] = struct{}{}
	}
	s.rolePerms[roleID] = set
}

func (s *Store) actorCount(roleID string) int {
	n := 0
	for _, a := range s.actors {
		if a.RoleID == roleID {
			n++
		}
	}
	return n
}

func (s *Store) hydrate(r roles.Role) roles.Role {
	perms := make([]authz.Permission, 0, len(s.rolePerms[r.ID]))
	for id := range s.rolePerms[r.ID] {
		if p, ok := s.permissions[id]; ok {
			perms = append(perms, p)
		}
	}
	sortPermissions(perms)
	r.Permissions = perms
	r.ActorCount = s.actorCount(r.ID)
	return r
}

func sortPermissions(list []authz.Permission) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Module != list[j].Module {
			return list[i].Module < list[j].Module
		}
		return list[i].Action < list[j].Action
	})
}

// --- authz.Source ---

func (s *Store) LoadPrincipal(_ context.Context, actorID string) (authz.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[actorID]
	if !ok {
		return authz.Principal{}, errs.ErrNotFound
	}
	r, ok := s.roles[a.RoleID]
	if !ok {
		return authz.Principal{}, fmt.Errorf("actor %s references missing role %s", actorID, a.RoleID)
	}
	pairs := make([]authz.Pair, 0, len(s.rolePerms[r.ID]))
	for id := range s.rolePerms[r.ID] {
		pairs = append(pairs, s.permissions[id].Pair())
	}
	return authz.NewPrincipal(authz.Subject{
		ActorID:    a.ID,
		Active:     a.Active,
		RoleID:     r.ID,
		RoleName:   r.Name,
		RoleSystem: r.IsSystem,
		Bypass:     r.BypassAllChecks,
	}, pairs), nil
}

// --- audit.Store ---

func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, *e)
	return nil
}

func (s *Store) ListAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f = f.Normalize()
	var out []audit.Entry
	for i := len(s.auditLog) - 1; i >= 0 && len(out) < f.Limit; i-- {
		if f.Match(s.auditLog[i]) {
			out = append(out, s.auditLog[i])
		}
	}
	return out, nil
}

// --- workflow.Store ---

func (s *Store) GetWorkflow(_ context.Context, id string) (workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("%w: workflow %s", errs.ErrNotFound, id)
	}
	return w, nil
}

func (s *Store) ListWorkflows(_ context.Context, q workflow.Query) ([]workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Workflow
	for _, w := range s.workflows {
		if q.Match(w) {
			out = append(out, w)
		}
	}
	q.Sort(out)
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, initiatorID string) (map[workflow.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[workflow.Status]int)
	for _, w := range s.workflows {
		if initiatorID == "" || w.InitiatorID == initiatorID {
			counts[w.Status]++
		}
	}
	return counts, nil
}

func (s *Store) History(_ context.Context, targetID string) ([]workflow.ChangeHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.ChangeHistory
	for _, h := range s.history {
		if h.TargetID == targetID {
			out = append(out, h)
		}
	}
	return out, nil
}

// WithinTx holds the write lock for the duration of fn and applies staged
// writes only when fn returns nil. fn must not call back into the Store.
func (s *Store) WithinTx(ctx context.Context, fn func(workflow.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	uow := &unitOfWork{
		s:         s,
		workflows: make(map[string]workflow.Workflow),
		targets:   make(map[string]map[string]workflow.Value),
	}
	if err := fn(uow); err != nil {
		return err
	}
	for id, w := range uow.workflows {
		s.workflows[id] = w
	}
	for id, t := range uow.targets {
		s.targets[id] = t
	}
	s.history = append(s.history, uow.history...)
	s.auditLog = append(s.auditLog, uow.entries...)
	return nil
}

type unitOfWork struct {
	s         *Store
	workflows map[string]workflow.Workflow
	targets   map[string]map[string]workflow.Value
	history   []workflow.ChangeHistory
	entries   []audit.Entry
}

func (u *unitOfWork) lookup(id string) (workflow.Workflow, bool) {
	if w, ok := u.workflows[id]; ok {
		return w, true
	}
	w, ok := u.s.workflows[id]
	return w, ok
}

func (u *unitOfWork) Insert(_ context.Context, w workflow.Workflow) error {
	if _, ok := u.lookup(w.ID); ok {
		return fmt.Errorf("%w: workflow %s exists", errs.ErrConflict, w.ID)
	}
	u.workflows[w.ID] = w
	return nil
}

func (u *unitOfWork) Transition(_ context.Context, t workflow.Transition) (workflow.Workflow, error) {
	w, ok := u.lookup(t.WorkflowID)
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("%w: workflow %s", errs.ErrNotFound, t.WorkflowID)
	}
	if w.Status != workflow.StatusPending {
		return workflow.Workflow{}, workflow.ErrAlreadyProcessed
	}
	at := t.At
	w.Status = t.To
	w.DeciderID = t.ActorID
	w.DecidedAt = &at
	if t.To == workflow.StatusApproved {
		w.ApprovedAt = &at
	}
	if t.To == workflow.StatusRejected {
		w.RejectedReason = t.Reason
	}
	w.UpdatedAt = at
	u.workflows[w.ID] = w
	return w, nil
}

func (u *unitOfWork) ExpirePending(_ context.Context, cutoff, at time.Time) ([]workflow.Workflow, error) {
	var out []workflow.Workflow
	for id := range u.s.workflows {
		w, _ := u.lookup(id)
		if w.Status != workflow.StatusPending || !w.CreatedAt.Before(cutoff) {
			continue
		}
		w.Status = workflow.StatusExpired
		w.UpdatedAt = at
		u.workflows[id] = w
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (u *unitOfWork) InsertHistory(_ context.Context, h workflow.ChangeHistory) error {
	if strings.TrimSpace(h.FieldName) == "" {
		return fmt.Errorf("%w: history field name is required", errs.ErrInvalidInput)
	}
	u.history = append(u.history, h)
	return nil
}

func (u *unitOfWork) UpdateTarget(_ context.Context, targetID string, patch map[string]workflow.Value, updatedBy string, at time.Time) error {
	current, ok := u.targets[targetID]
	if !ok {
		committed, exists := u.s.targets[targetID]
		if !exists {
			return fmt.Errorf("%w: target %s", errs.ErrNotFound, targetID)
		}
		current = copyFields(committed)
	}
	for k, v := range patch {
		current[k] = v
	}
	current["lastUpdatedBy"] = workflow.String(updatedBy)
	current["updatedAt"] = workflow.Timestamp(at)
	u.targets[targetID] = current
	return nil
}

func (u *unitOfWork) AppendAudit(_ context.Context, e audit.Entry) error {
	u.entries = append(u.entries, e)
	return nil
}
