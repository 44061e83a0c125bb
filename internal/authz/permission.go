package authz

import (
	"fmt"
	"strings"

	"parcela.org/internal/errs"
)

// Pair is the unit of authorization: a module namespace and a verb.
type Pair struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

// P is shorthand for Pair{module, action}.
func P(module, action string) Pair {
	return Pair{Module: module, Action: action}
}

func (p Pair) String() string {
	return p.Module + ":" + p.Action
}

// Valid reports whether both halves are present.
func (p Pair) Valid() bool {
	return strings.TrimSpace(p.Module) != "" && strings.TrimSpace(p.Action) != ""
}

// ParsePair parses the "module:action" form.
func ParsePair(s string) (Pair, error) {
	module, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	p := Pair{Module: strings.TrimSpace(module), Action: strings.TrimSpace(action)}
	if !ok || !p.Valid() {
		return Pair{}, fmt.Errorf("%w: permission %q must be module:action", errs.ErrInvalidInput, s)
	}
	return p, nil
}

// Permission is a catalog entry that roles reference by ID.
type Permission struct {
	ID          string `json:"id"`
	Module      string `json:"module"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Pair returns the (module, action) tuple of the permission.
func (p Permission) Pair() Pair {
	return Pair{Module: p.Module, Action: p.Action}
}
