package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("msg")
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("NewID(%q) = %q, want msg_ prefix", "msg", id)
	}
	if len(id) != len("msg_")+32 {
		t.Fatalf("unexpected id length %d for %q", len(id), id)
	}
	if NewID("msg") == id {
		t.Fatal("expected distinct ids")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("NewID(\"\") = %q", bare)
	}
}
