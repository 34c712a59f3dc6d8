package auth

import "testing"

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m, err := New([]byte("super-secret-key"), "fleetgate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tok, err := m.IssueToken("node-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.NodeID != "node-1" {
		t.Fatalf("expected node-1, got %q", claims.NodeID)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m1, _ := New([]byte("secret-one"), "fleetgate")
	m2, _ := New([]byte("secret-two"), "fleetgate")

	tok, err := m1.IssueToken("node-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := m2.Validate(tok); err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	m1, _ := New([]byte("secret"), "issuer-a")
	m2, _ := New([]byte("secret"), "issuer-b")

	tok, _ := m1.IssueToken("node-1")
	if _, err := m2.Validate(tok); err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid for mismatched issuer, got %v", err)
	}
}

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New(nil, "fleetgate"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m, _ := New([]byte("secret"), "fleetgate")
	if _, err := m.Validate("not-a-jwt"); err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}
