package sandbox

import "testing"

func TestSessionName(t *testing.T) {
	cases := map[string]string{
		"src/vdbe.c:1234": "fix-panic-src-vdbe.c-1234",
		"simple":          "fix-panic-simple",
	}
	for in, want := range cases {
		if got := SessionName(in); got != want {
			t.Errorf("SessionName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBranchName(t *testing.T) {
	cases := map[string]string{
		"src/vdbe.c:1234": "fix/panic-src-vdbe.c-1234",
	}
	for in, want := range cases {
		if got := BranchName(in); got != want {
			t.Errorf("BranchName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound("Error: session not found") {
		t.Error("expected match on 'not found'")
	}
	if !isNotFound("no such session: fix-panic-x") {
		t.Error("expected match on 'no such session'")
	}
	if isNotFound("permission denied") {
		t.Error("unrelated stderr should not match")
	}
	if isNotFound("") {
		t.Error("empty stderr should not be treated as not-found")
	}
}
