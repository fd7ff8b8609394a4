// Package model defines the data types shared across services: the
// capability bitset and the transaction/artifact/block records of
// SPEC_FULL.md §3.
package model

import "github.com/bits-and-blooms/bitset"

// Capabilities is a fixed-width, monotonically-shrinking bitset attached to
// a data-service child context or a notification/protocol connection
// (spec.md §3 "Capability vector"). It is backed by
// github.com/bits-and-blooms/bitset, whose entire purpose is exactly this:
// a dense bit-indexed set, here indexed by method id.
type Capabilities struct {
	bits *bitset.BitSet
}

// NewCapabilitiesFull returns a vector with every bit up to n set — the
// starting state for a freshly created root context or client connection.
func NewCapabilitiesFull(n uint) Capabilities {
	b := bitset.New(n)
	for i := uint(0); i < n; i++ {
		b.Set(i)
	}
	return Capabilities{bits: b}
}

// NewCapabilitiesEmpty returns a vector with no bits set.
func NewCapabilitiesEmpty(n uint) Capabilities {
	return Capabilities{bits: bitset.New(n)}
}

// NewCapabilitiesFrom builds a vector from an explicit list of permitted
// method ids.
func NewCapabilitiesFrom(n uint, allowed ...uint) Capabilities {
	b := bitset.New(n)
	for _, m := range allowed {
		b.Set(m)
	}
	return Capabilities{bits: b}
}

// Allows reports whether method id m is permitted.
func (c Capabilities) Allows(m uint) bool {
	if c.bits == nil {
		return false
	}
	return c.bits.Test(m)
}

// Reduce intersects other into c, in place. Per spec.md §3's invariant
// ("capabilities can only be reduced, never re-granted"), this is the only
// mutator the type exposes — there is deliberately no Grant/Set method, so
// the monotonic-shrink invariant holds by construction rather than by
// caller discipline.
func (c *Capabilities) Reduce(other Capabilities) {
	if c.bits == nil {
		c.bits = bitset.New(other.bits.Len())
	}
	c.bits.InPlaceIntersection(other.bits)
}

// Clone returns an independent copy, e.g. when deriving a child context's
// starting capabilities from its parent.
func (c Capabilities) Clone() Capabilities {
	if c.bits == nil {
		return Capabilities{}
	}
	return Capabilities{bits: c.bits.Clone()}
}

// SubsetOf reports whether every bit set in c is also set in other —
// used by tests asserting the §8 monotonic-shrink property
// (caps(C, t2) ⊆ caps(C, t1) for t1 < t2).
func (c Capabilities) SubsetOf(other Capabilities) bool {
	if c.bits == nil {
		return true
	}
	if other.bits == nil {
		return c.bits.None()
	}
	diff := c.bits.Difference(other.bits)
	return diff.None()
}

// Bytes serializes the bitset as a packed bit stream (bit i of the vector
// is bit (i%8) of byte i/8), for transmission as a TypeData IPC payload
// (e.g. the reduce-caps request's wire-carried bitset, §4.6 method 0x00).
func (c Capabilities) Bytes() []byte {
	if c.bits == nil {
		return nil
	}
	n := c.bits.Len()
	out := make([]byte, (n+7)/8)
	for i := uint(0); i < n; i++ {
		if c.bits.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// CapabilitiesFromBytes is the inverse of Bytes, sized to n bits.
func CapabilitiesFromBytes(n uint, data []byte) Capabilities {
	b := bitset.New(n)
	for i := uint(0); i < n && i/8 < uint(len(data)); i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if data[byteIdx]&(1<<bitIdx) != 0 {
			b.Set(i)
		}
	}
	return Capabilities{bits: b}
}
