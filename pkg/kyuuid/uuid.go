// Package kyuuid implements the Feature identifier type from the
// GLOSSARY (§6): a 16-byte UUID, stored as a BLOB in the features
// table and rendered in canonical 8-4-4-4-12 lower-case hex text.
package kyuuid

import (
	"strings"

	"github.com/google/uuid"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Size is the on-disk byte length of a UUID.
const Size = 16

// UUID identifies a Feature.
type UUID [Size]byte

// Nil is the all-zero UUID, never assigned to a real feature.
var Nil UUID

// New generates a fresh random (version 4) UUID, used when the
// caller does not supply an explicit id for a feature (§4.12).
func New() UUID {
	return UUID(uuid.New())
}

// Parse accepts either bare 32-character hex or brace-wrapped
// "{8-4-4-4-12}" / bare "8-4-4-4-12" text, per the GLOSSARY's
// "Feature id" entry.
func Parse(s string) (UUID, error) {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
	parsed, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, kylaerr.Wrap(kylaerr.InvalidArgument, "parsing feature id", err)
	}
	return UUID(parsed), nil
}

// FromBytes wraps a raw 16-byte slice as a UUID, used when scanning a
// BLOB column out of the index.
func FromBytes(b []byte) (UUID, error) {
	if len(b) != Size {
		return UUID{}, kylaerr.InvalidArgumentf("UUID must be %d bytes, got %d", Size, len(b))
	}
	var u UUID
	copy(u[:], b)
	return u, nil
}

// Bytes returns the raw 16-byte representation, suitable for binding
// as a BLOB parameter.
func (u UUID) Bytes() []byte { return u[:] }

// String renders the canonical lower-case "8-4-4-4-12" form.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// IsNil reports whether u is the all-zero UUID.
func (u UUID) IsNil() bool { return u == Nil }
