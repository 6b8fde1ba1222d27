package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
	if len(a) != 26 {
		t.Fatalf("unexpected ulid length %d", len(a))
	}
}

func TestNewUUID(t *testing.T) {
	id := NewUUID()
	if !ValidUUID(id) {
		t.Fatalf("expected valid uuid, got %q", id)
	}
	if ValidUUID("not-a-uuid") {
		t.Fatalf("expected invalid uuid to be rejected")
	}
}
