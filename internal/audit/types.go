package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"parcela.org/internal/errs"
)

// Action is the closed set of audited verbs.
type Action string

const (
	ActionCreate     Action = "CREATE"
	ActionRead       Action = "READ"
	ActionUpdate     Action = "UPDATE"
	ActionDelete     Action = "DELETE"
	ActionLogin      Action = "LOGIN"
	ActionLogout     Action = "LOGOUT"
	ActionApprove    Action = "APPROVE"
	ActionReject     Action = "REJECT"
	ActionExport     Action = "EXPORT"
	ActionImport     Action = "IMPORT"
	ActionRestore    Action = "RESTORE"
	ActionBulkUpdate Action = "BULK_UPDATE"
)

var actions = map[Action]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionUpdate: {}, ActionDelete: {},
	ActionLogin: {}, ActionLogout: {}, ActionApprove: {}, ActionReject: {},
	ActionExport: {}, ActionImport: {}, ActionRestore: {}, ActionBulkUpdate: {},
}

// ParseAction accepts only members of the closed set.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if _, ok := actions[a]; !ok {
		return "", fmt.Errorf("%w: unknown audit action %q", errs.ErrInvalidInput, s)
	}
	return a, nil
}

// FieldDiff is a stringified before/after pair. Nil means null.
type FieldDiff struct {
	Old *string `json:"old"`
	New *string `json:"new"`
}

// Entry is one append-only audit record.
type Entry struct {
	ID         string               `json:"id"`
	Action     Action               `json:"action"`
	EntityType string               `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	ActorID    string               `json:"actor_id,omitempty"`
	Changes    map[string]FieldDiff `json:"changes,omitempty"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
	IPAddress  string               `json:"ip_address,omitempty"`
	UserAgent  string               `json:"user_agent,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     Action
	Limit      int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Normalize clamps the limit.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	return (f.EntityType == "" || f.EntityType == e.EntityType) &&
		(f.EntityID == "" || f.EntityID == e.EntityID) &&
		(f.ActorID == "" || f.ActorID == e.ActorID) &&
		(f.Action == "" || f.Action == e.Action)
}

// Store appends and lists entries. There is no update or delete path.
type Store interface {
	AppendAudit(ctx context.Context, e *Entry) error
	ListAudit(ctx context.Context, f Filter) ([]Entry, error)
}
