package kyuuid

import "testing"

func TestNewUUIDsAreDistinctAndNotNil(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("two freshly generated UUIDs collided")
	}
	if a.IsNil() || b.IsNil() {
		t.Fatalf("freshly generated UUID reported as nil")
	}
}

func TestParseBraceWrappedAndBare(t *testing.T) {
	plain := New().String()
	braced := "{" + plain + "}"

	u1, err := Parse(plain)
	if err != nil {
		t.Fatalf("Parse(bare): %v", err)
	}
	u2, err := Parse(braced)
	if err != nil {
		t.Fatalf("Parse(braced): %v", err)
	}
	if u1 != u2 {
		t.Fatalf("braced and bare forms parsed to different UUIDs")
	}
	if u1.String() != plain {
		t.Fatalf("String() round trip = %q, want %q", u1.String(), plain)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatalf("expected an error parsing garbage input")
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	u := New()
	rebuilt, err := FromBytes(u.Bytes())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if rebuilt != u {
		t.Fatalf("FromBytes round trip mismatch")
	}
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error for a short byte slice")
	}
}
