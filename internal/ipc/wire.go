// Package ipc implements the length-delimited, typed frame codec that every
// inter-service socket in the agent speaks (SPEC_FULL.md §4.1/§6.1), plus
// its authenticated-encryption variant for channels that cross a trust
// boundary (§4.1/§6.2) and a cooperative, would-block-returning variant for
// use from the fiber runtime (internal/fiber).
package ipc

import "fmt"

// Type is the one-byte frame type tag. Numeric values are arbitrary but,
// per spec.md §6.1, must stay stable across restarts of one deployment.
type Type uint8

const (
	TypeString Type = iota + 1
	TypeData
	TypeU8
	TypeI8
	TypeU64
	TypeI64
	TypeAuthed
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeData:
		return "data"
	case TypeU8:
		return "u8"
	case TypeI8:
		return "i8"
	case TypeU64:
		return "u64"
	case TypeI64:
		return "i64"
	case TypeAuthed:
		return "authed"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Wire layout constants (§6.1, §6.2).
const (
	HeaderSize = 1 + 4 // type:1 + length:4 BE

	// MaxDataLength bounds an opaque "data"/"string" frame so a
	// misbehaving or compromised peer cannot force unbounded allocation
	// (§8 property 5: "declared length is within the per-type maximum").
	MaxDataLength = 16 << 20 // 16 MiB

	macLength      = 16 // poly1305 tag size
	authedMinInner = macLength + 8
)

// MaxLengthFor returns the maximum payload length permitted for a frame of
// the given type, or ok=false if t is not recognized.
func MaxLengthFor(t Type) (max uint32, ok bool) {
	switch t {
	case TypeU8, TypeI8:
		return 1, true
	case TypeU64, TypeI64:
		return 8, true
	case TypeString, TypeData:
		return MaxDataLength, true
	case TypeAuthed:
		return MaxDataLength, true
	default:
		return 0, false
	}
}

// exactWidthFor reports the exact width required for fixed-width types; data
// and string frames are variable length up to MaxDataLength. Authed frames
// are reported as variable length too; their authedMinInner floor is
// checked by the frame readers, not here.
func exactWidthFor(t Type) (width uint32, fixed bool) {
	switch t {
	case TypeU8, TypeI8:
		return 1, true
	case TypeU64, TypeI64:
		return 8, true
	default:
		return 0, false
	}
}
