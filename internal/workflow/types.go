package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"parcela.org/internal/errs"
)

// Status is the workflow lifecycle state. Everything but PENDING is terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusExpired}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", errs.ErrInvalidInput, s)
}

// Type names what a workflow changes on its target.
type Type string

const (
	TypePropertyUpdate    Type = "PROPERTY_UPDATE"
	TypeTitleTransfer     Type = "TITLE_TRANSFER"
	TypeStatusChange      Type = "STATUS_CHANGE"
	TypeOwnerChange       Type = "OWNER_CHANGE"
	TypeEncumbranceUpdate Type = "ENCUMBRANCE_UPDATE"
	TypeLocationUpdate    Type = "LOCATION_UPDATE"
	TypeDeletion          Type = "DELETION"
	TypeRestoration       Type = "RESTORATION"
)

var Types = []Type{
	TypePropertyUpdate, TypeTitleTransfer, TypeStatusChange, TypeOwnerChange,
	TypeEncumbranceUpdate, TypeLocationUpdate, TypeDeletion, TypeRestoration,
}

func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown workflow type %q", errs.ErrInvalidInput, s)
}

// Priority is only a sort key.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

// ParsePriority rejects anything outside the closed set. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if p.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown priority %q", errs.ErrInvalidInput, s)
	}
	return p, nil
}

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVED"
	DecisionReject  Decision = "REJECTED"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.TrimSpace(s)); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("%w: decision must be APPROVED or REJECTED", errs.ErrInvalidInput)
	}
}

// FieldChange is the proposed old and new value of one field.
type FieldChange struct {
	Old Value `json:"oldValue"`
	New Value `json:"newValue"`
}

// Changes maps field name to its proposed change. The key is authoritative.
type Changes map[string]FieldChange

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// Fields returns field names sorted.
func (c Changes) Fields() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate requires at least one entry and identifier-like field names.
func (c Changes) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: proposed changes are required", errs.ErrInvalidInput)
	}
	for name := range c {
		if !fieldNamePattern.MatchString(name) {
			return fmt.Errorf("%w: invalid field name %q", errs.ErrInvalidInput, name)
		}
	}
	return nil
}

type fieldChangeWire struct {
	FieldName string `json:"fieldName,omitempty"`
	Old       Value  `json:"oldValue"`
	New       Value  `json:"newValue"`
}

func (c Changes) MarshalJSON() ([]byte, error) {
	wire := make(map[string]fieldChangeWire, len(c))
	for name, fc := range c {
		wire[name] = fieldChangeWire{FieldName: name, Old: fc.Old, New: fc.New}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts the map form; an embedded fieldName is ignored.
// Every entry must carry both oldValue and newValue (null is a value, an
// absent key is not), no other keys, and a field name without surrounding
// whitespace.
func (c *Changes) UnmarshalJSON(data []byte) error {
	var wire map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: proposed changes: %v", errs.ErrInvalidInput, err)
	}
	if wire == nil {
		*c = nil
		return nil
	}
	out := make(Changes, len(wire))
	for name, entry := range wire {
		if name != strings.TrimSpace(name) {
			return fmt.Errorf("%w: field name %q has surrounding whitespace", errs.ErrInvalidInput, name)
		}
		if entry == nil {
			return fmt.Errorf("%w: field %q: change must be an object", errs.ErrInvalidInput, name)
		}
		for key := range entry {
			switch key {
			case "fieldName", "oldValue", "newValue":
			default:
				return fmt.Errorf("%w: field %q: unknown key %q", errs.ErrInvalidInput, name, key)
			}
		}
		var fc FieldChange
		if err := decodeChangeSide(entry, name, "oldValue", &fc.Old); err != nil {
			return err
		}
		if err := decodeChangeSide(entry, name, "newValue", &fc.New); err != nil {
			return err
		}
		out[name] = fc
	}
	*c = out
	return nil
}

func decodeChangeSide(entry map[string]json.RawMessage, field, key string, dst *Value) error {
	raw, ok := entry[key]
	if !ok {
		return fmt.Errorf("%w: field %q: %s is required", errs.ErrInvalidInput, field, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %s: %w", field, key, err)
	}
	return nil
}

// Workflow is a request to change a target record.
type Workflow struct {
	ID             string     `json:"id"`
	TargetID       string     `json:"targetId"`
	Type           Type       `json:"workflowType"`
	Description    string     `json:"description"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	Changes        Changes    `json:"proposedChanges"`
	InitiatorID    string     `json:"initiatorId"`
	DeciderID      string     `json:"deciderId,omitempty"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	RejectedReason string     `json:"rejectedReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ChangeType classifies a history row.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeHistory records one field mutation applied by an approved workflow.
type ChangeHistory struct {
	ID         string     `json:"id"`
	TargetID   string     `json:"targetId"`
	WorkflowID string     `json:"workflowId"`
	FieldName  string     `json:"fieldName"`
	OldValue   *string    `json:"oldValue"`
	NewValue   *string    `json:"newValue"`
	ChangeType ChangeType `json:"changeType"`
	ChangedBy  string     `json:"changedBy"`
	ChangedAt  time.Time  `json:"changedAt"`
	Reason     string     `json:"reason"`
}

// Order selects list sorting.
type Order int

const (
	// OrderRecent: priority descending, newest first.
	OrderRecent Order = iota
	// OrderQueue: priority descending, oldest first.
	OrderQueue
)

// Query filters workflow listings. Zero fields match everything.
type Query struct {
	Status      Status
	Type        Type
	InitiatorID string
	Order       Order
}

// Match reports whether w passes the filter.
func (q Query) Match(w Workflow) bool {
	return (q.Status == "" || q.Status == w.Status) &&
		(q.Type == "" || q.Type == w.Type) &&
		(q.InitiatorID == "" || q.InitiatorID == w.InitiatorID)
}

// Sort orders list in place according to q.Order.
func (q Query) Sort(list []Workflow) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if q.Order == OrderQueue {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if q.Order == OrderQueue {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
}
