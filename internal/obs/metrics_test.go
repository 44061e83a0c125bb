package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/roles":                    "/v1/roles",
		"/v1/roles/stats":              "/v1/roles/stats",
		"/v1/roles/01HX":               "/v1/roles/:id",
		"/v1/workflows/pending?type=X": "/v1/workflows/pending",
		"/v1/workflows/01HX/decision":  "/v1/workflows/:id/decision",
		"/v1/workflows/mine":           "/v1/workflows/mine",
		"/v1/actors/u-1/role":          "/v1/actors/:id/role",
		"/v1/targets/prop-9/history":   "/v1/targets/:id/history",
		"/v1/audit":                    "/v1/audit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG").String() != "debug" {
		t.Fatal("expected debug level")
	}
	if parseLevel("bogus").String() != "info" {
		t.Fatal("expected info fallback")
	}
}
