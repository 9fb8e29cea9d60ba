package kylaerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{InvalidArgument, "InvalidArgument"},
		{NotFound, "NotFound"},
		{StorageCorrupted, "StorageCorrupted"},
		{AuthRequired, "AuthRequired"},
		{Io, "Io"},
		{IndexError, "IndexError"},
		{NotImplemented, "NotImplemented"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("Kind(%d).String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(Io, "writing chunk", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if KindOf(err) != Io {
		t.Fatalf("KindOf = %v, want Io", KindOf(err))
	}
}

func TestOfKind(t *testing.T) {
	err := NotFoundf("package %q", "main.kypkg")
	if !OfKind(err, NotFound) {
		t.Fatalf("expected OfKind(err, NotFound) to be true")
	}
	if OfKind(err, Io) {
		t.Fatalf("expected OfKind(err, Io) to be false")
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(fmt.Errorf("plain error")) != Io {
		t.Fatalf("expected foreign errors to default to Io")
	}
}

func TestIsComparesKindOnly(t *testing.T) {
	a := New(StorageCorrupted, "chunk hash mismatch")
	b := New(StorageCorrupted, "different message, same kind")
	if !errors.Is(a, b) {
		t.Fatalf("expected two errors of the same kind to match via errors.Is")
	}
}
