package auth

import (
	"testing"

	"soauth.org/internal/credential"
)

func TestEvaluate(t *testing.T) {
	cred := credential.AccessCredential{UserData: credential.UserData{Grants: []string{"simonsobs", "admin"}}}
	if Evaluate(cred, "admin") != Allowed {
		t.Fatalf("expected admin to be allowed")
	}
	if Evaluate(cred, "beta") != Denied {
		t.Fatalf("expected beta to be denied")
	}
	if Evaluate(cred, "") != Denied {
		t.Fatalf("empty grant must never allow")
	}
	if EvaluateAny(cred, "beta", "admin") != Allowed {
		t.Fatalf("expected any-of to allow")
	}
}

func TestEvaluateApp(t *testing.T) {
	cred := credential.AccessCredential{UserData: credential.UserData{Grants: []string{"simonsobs"}}}
	myapp := App{Name: "myapp", VisibilityGrant: "beta"}
	if EvaluateApp(cred, myapp) != Denied {
		t.Fatalf("credential without beta must be denied for myapp")
	}
	cred.Grants = append(cred.Grants, "beta")
	if EvaluateApp(cred, myapp) != Allowed {
		t.Fatalf("credential with beta must be allowed")
	}
	if EvaluateApp(credential.AccessCredential{}, App{}) != Allowed {
		t.Fatalf("apps without a visibility grant are open")
	}
}

func TestNormalizeGroupName(t *testing.T) {
	got, err := NormalizeGroupName("  Data  Team ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "data_team" {
		t.Fatalf("got %q", got)
	}
	if _, err := NormalizeGrant("two words"); err == nil {
		t.Fatalf("expected whitespace grant to be rejected")
	}
}

func TestBuildUserDataFlattensGrants(t *testing.T) {
	user := &User{ID: "u1", Username: "alice"}
	groups := []*Group{
		{ID: "g2", Name: "simonsobs", Grants: []string{"telescope", "admin"}},
		{ID: "g1", Name: "act", Grants: []string{"telescope"}},
	}
	data := buildUserData(user, []string{"admin", "beta"}, groups)
	want := []string{"admin", "beta", "telescope"}
	if len(data.Grants) != len(want) {
		t.Fatalf("grants = %v, want %v", data.Grants, want)
	}
	for i := range want {
		if data.Grants[i] != want[i] {
			t.Fatalf("grants = %v, want %v", data.Grants, want)
		}
	}
	if data.GroupNames[0] != "act" || data.GroupNames[1] != "simonsobs" {
		t.Fatalf("group names not sorted: %v", data.GroupNames)
	}
}
