package authz

import (
	"encoding/json"
	"testing"
)

func clerk() Principal {
	return NewPrincipal(Subject{ActorID: "u1", Active: true, RoleID: "r-clerk", RoleName: "Clerk"},
		[]Pair{PropertyRead})
}

func TestPrincipalPermissions(t *testing.T) {
	p := clerk()
	if !p.HasPermission("property", "read") {
		t.Fatalf("expected property:read")
	}
	if p.HasPermission("property", "update") {
		t.Fatalf("unexpected property:update")
	}
	if p.IsPrivileged() {
		t.Fatalf("clerk must not be privileged")
	}
}

func TestPrincipalAnyAll(t *testing.T) {
	p := NewPrincipal(Subject{ActorID: "u1", Active: true}, []Pair{PropertyRead, WorkflowRequest})

	if !p.HasAnyPermission(PropertyUpdate, WorkflowRequest) {
		t.Fatalf("expected any-of to pass")
	}
	if p.HasAnyPermission(PropertyUpdate, WorkflowApprove) {
		t.Fatalf("expected any-of to fail")
	}
	if !p.HasAllPermissions(PropertyRead, WorkflowRequest) {
		t.Fatalf("expected all-of to pass")
	}
	if p.HasAllPermissions(PropertyRead, WorkflowApprove) {
		t.Fatalf("expected all-of to fail")
	}
	if p.HasAnyPermission() || p.HasAllPermissions() {
		t.Fatalf("empty lists must not grant access")
	}
}

func TestPrincipalBypass(t *testing.T) {
	admin := NewPrincipal(Subject{ActorID: "a1", Active: true, RoleName: "Clerk", Bypass: true}, nil)
	if !admin.IsPrivileged() {
		t.Fatalf("expected bypass role to be privileged")
	}
	if !admin.HasPermission("anything", "goes") {
		t.Fatalf("bypass must grant every pair")
	}

	named := NewPrincipal(Subject{ActorID: "a2", Active: true, RoleName: "Administrator", RoleSystem: true}, nil)
	if named.IsPrivileged() || named.HasPermission("property", "read") {
		t.Fatalf("role name or system flag must not grant access")
	}
}

func TestPrincipalInactiveOrAnonymous(t *testing.T) {
	inactive := NewPrincipal(Subject{ActorID: "u1", Active: false, Bypass: true}, []Pair{PropertyRead})
	if inactive.HasPermission("property", "read") || inactive.IsPrivileged() {
		t.Fatalf("inactive actor must fail every check")
	}
	var anon Principal
	if anon.HasPermission("property", "read") || anon.HasAnyPermission(PropertyRead) {
		t.Fatalf("anonymous principal must fail every check")
	}
}

func TestPrincipalJSONRoundTrip(t *testing.T) {
	p := clerk()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Principal
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ActorID != "u1" || back.RoleName != "Clerk" || !back.Active {
		t.Fatalf("subject lost: %+v", back.Subject)
	}
	if !back.HasPermission("property", "read") || back.HasPermission("property", "update") {
		t.Fatalf("permissions lost: %v", back.Pairs())
	}
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair(" workflow:approve ")
	if err != nil || p != WorkflowApprove {
		t.Fatalf("unexpected parse result %v %v", p, err)
	}
	for _, bad := range []string{"", "workflow", ":approve", "workflow:"} {
		if _, err := ParsePair(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
