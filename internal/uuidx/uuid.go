// Package uuidx provides the 16-byte opaque identifier used throughout the
// agent's data model: transaction, artifact, and block ids all share this
// type and its two distinguished sentinels.
package uuidx

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// UUID is a bytewise-comparable 16-byte identifier.
type UUID [16]byte

// Zero is the sentinel for "no predecessor".
func Zero() UUID { return UUID{} }

// AllOnes is the sentinel for "end of chain" / "no successor".
func AllOnes() UUID {
	var u UUID
	for i := range u {
		u[i] = 0xff
	}
	return u
}

// New allocates a fresh random UUID (v4).
func New() UUID {
	return UUID(uuid.New())
}

// IsZero reports whether u is the zero sentinel.
func (u UUID) IsZero() bool { return u == Zero() }

// IsAllOnes reports whether u is the all-ones sentinel.
func (u UUID) IsAllOnes() bool { return u == AllOnes() }

// Compare orders two UUIDs bytewise, matching spec.md's "compared bytewise"
// requirement; used as the google/btree.LessFunc basis.
func Compare(a, b UUID) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a sorts before b; satisfies google/btree's ordering
// contract for the ordered maps used in place of the source's red-black
// trees (see Design Notes in SPEC_FULL.md §3).
func Less(a, b UUID) bool { return Compare(a, b) < 0 }

func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

// Bytes returns the 16 raw bytes.
func (u UUID) Bytes() []byte { return u[:] }

// FromBytes copies exactly 16 bytes into a UUID, erroring otherwise.
func FromBytes(b []byte) (UUID, error) {
	var u UUID
	if len(b) != 16 {
		return u, fmt.Errorf("uuidx: expected 16 bytes, got %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}
