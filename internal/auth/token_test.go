package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	want := Identity{ID: 42, Name: "Manager", Role: RoleManager}
	token, err := v.Issue(want, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	token, _ := v.Issue(Identity{ID: 1, Name: "A", Role: RoleWorker}, time.Minute)

	// Flip a byte in the payload half.
	tampered := "x" + token[1:]
	if _, err := v.Verify(tampered); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _ := NewTokenVerifier("secret-a").Issue(Identity{ID: 1}, time.Minute)
	if _, err := NewTokenVerifier("secret-b").Verify(token); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	token, _ := v.Issue(Identity{ID: 7, Name: "B", Role: RoleWorker}, -time.Second)
	if _, err := v.Verify(token); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	for _, token := range []string{"", "no-dot", "a.b.c", strings.Repeat(".", 3)} {
		if _, err := v.Verify(token); !errors.Is(err, ErrAuthRequired) {
			t.Errorf("token %q: expected ErrAuthRequired, got %v", token, err)
		}
	}
}
