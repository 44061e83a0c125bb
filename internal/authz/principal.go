package authz

import (
	"encoding/json"
	"sort"
)

// Subject is the resolved actor and role behind a principal.
type Subject struct {
	ActorID    string `json:"actor_id"`
	Active     bool   `json:"active"`
	RoleID     string `json:"role_id"`
	RoleName   string `json:"role_name"`
	RoleSystem bool   `json:"role_system"`
	Bypass     bool   `json:"bypass_all_checks"`
}

// Principal is a read-only snapshot of an actor's role and permission set.
// Checks on it perform no I/O. The zero value is unauthenticated and every
// check on it is false.
type Principal struct {
	Subject
	pairs map[Pair]struct{}
}

// NewPrincipal builds a snapshot from a subject and its role's pairs.
func NewPrincipal(s Subject, pairs []Pair) Principal {
	set := make(map[Pair]struct{}, len(pairs))
	for _, p := range pairs {
		if p.Valid() {
			set[p] = struct{}{}
		}
	}
	return Principal{Subject: s, pairs: set}
}

// Authenticated reports whether the principal belongs to a known actor.
func (p Principal) Authenticated() bool {
	return p.ActorID != ""
}

func (p Principal) enabled() bool {
	return p.Authenticated() && p.Active
}

// IsPrivileged reports whether the role bypasses pair lookups.
func (p Principal) IsPrivileged() bool {
	return p.enabled() && p.Bypass
}

// HasPermission reports whether the actor holds (module, action).
func (p Principal) HasPermission(module, action string) bool {
	return p.Has(Pair{Module: module, Action: action})
}

// Has reports whether the actor holds pair.
func (p Principal) Has(pair Pair) bool {
	if !p.enabled() {
		return false
	}
	if p.Bypass {
		return true
	}
	_, ok := p.pairs[pair]
	return ok
}

// HasAnyPermission is true when at least one pair is held. An empty list is false.
func (p Principal) HasAnyPermission(pairs ...Pair) bool {
	for _, pair := range pairs {
		if p.Has(pair) {
			return true
		}
	}
	return false
}

// HasAllPermissions is true when every pair is held. An empty list is false.
func (p Principal) HasAllPermissions(pairs ...Pair) bool {
	if len(pairs) == 0 {
		return false
	}
	for _, pair := range pairs {
		if !p.Has(pair) {
			return false
		}
	}
	return true
}

// Pairs returns the assigned pairs in a stable order.
func (p Principal) Pairs() []Pair {
	out := make([]Pair, 0, len(p.pairs))
	for pair := range p.pairs {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

type principalJSON struct {
	Subject
	Permissions []Pair `json:"permissions"`
}

func (p Principal) MarshalJSON() ([]byte, error) {
	return json.Marshal(principalJSON{Subject: p.Subject, Permissions: p.Pairs()})
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var raw principalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = NewPrincipal(raw.Subject, raw.Permissions)
	return nil
}
