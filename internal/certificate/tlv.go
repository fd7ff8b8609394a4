package certificate

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// tlvCertificate is a tag-length-value encoded stand-in for the real,
// out-of-scope certificate grammar (see package doc). Wire shape per
// field: <tag:2 BE><length:4 BE><value:length>, repeated; the
// FieldSignature entry's value is what AttestedBy checks.
type tlvCertificate struct {
	fields map[FieldTag][]byte
	raw    []byte
}

// NewBuilder starts an empty certificate to populate field by field, in
// the style of the external cert library's emit-bytes call (§6.4).
func NewBuilder() *Builder {
	return &Builder{fields: map[FieldTag][]byte{}}
}

type Builder struct {
	fields map[FieldTag][]byte
	order  []FieldTag
}

// Set records a field's value, preserving first-set order for a stable
// encoding.
func (b *Builder) Set(tag FieldTag, value []byte) *Builder {
	if _, exists := b.fields[tag]; !exists {
		b.order = append(b.order, tag)
	}
	b.fields[tag] = value
	return b
}

// Build renders the accumulated fields to canonical TLV bytes and returns
// a Certificate view over them.
func (b *Builder) Build() Certificate {
	var raw []byte
	for _, tag := range b.order {
		v := b.fields[tag]
		var hdr [6]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(tag))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(len(v)))
		raw = append(raw, hdr[:]...)
		raw = append(raw, v...)
	}
	fields := make(map[FieldTag][]byte, len(b.fields))
	for k, v := range b.fields {
		fields[k] = v
	}
	return &tlvCertificate{fields: fields, raw: raw}
}

// TLVParser parses bytes produced by Builder.Build.
type TLVParser struct {
	Signer Signer
}

func (p TLVParser) Parse(data []byte) (Certificate, error) {
	fields := map[FieldTag][]byte{}
	i := 0
	for i < len(data) {
		if i+6 > len(data) {
			return nil, fmt.Errorf("certificate: truncated field header at offset %d", i)
		}
		tag := FieldTag(binary.BigEndian.Uint16(data[i : i+2]))
		length := binary.BigEndian.Uint32(data[i+2 : i+6])
		i += 6
		if uint32(len(data)-i) < length {
			return nil, fmt.Errorf("certificate: truncated field value at offset %d", i)
		}
		fields[tag] = data[i : i+int(length)]
		i += int(length)
	}
	return &tlvCertificate{fields: fields, raw: data}, nil
}

func (c *tlvCertificate) Field(tag FieldTag) ([]byte, bool) {
	v, ok := c.fields[tag]
	return v, ok
}

func (c *tlvCertificate) Emit() []byte { return c.raw }

// AttestedBy verifies the certificate's FieldSignature against the body
// formed by every other field, using the package-level default signer's
// verification (secp256k1.go). A certificate with no signature field never
// attests.
func (c *tlvCertificate) AttestedBy(endorserPubKey []byte) bool {
	sig, ok := c.fields[FieldSignature]
	if !ok {
		return false
	}
	body := bodyWithoutSignature(c.fields)
	return defaultSigner.Verify(endorserPubKey, body, sig)
}

// bodyWithoutSignature re-derives the signed body deterministically from
// the field map so AttestedBy doesn't depend on the original encoding
// order (a parsed certificate's map has no stable order of its own).
func bodyWithoutSignature(fields map[FieldTag][]byte) []byte {
	without := make(map[FieldTag][]byte, len(fields))
	for tag, v := range fields {
		if tag == FieldSignature {
			continue
		}
		without[tag] = v
	}
	return SignedBody(without)
}

// SignedBody canonically encodes fields (ascending tag order) for signing
// or verification, independent of any particular Builder insertion order.
// Canonization (SPEC_FULL.md §4.8) signs SignedBody(fields) and then
// builds the final, emitted certificate with the signature field added.
func SignedBody(fields map[FieldTag][]byte) []byte {
	tags := make([]FieldTag, 0, len(fields))
	for tag := range fields {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	var out []byte
	for _, tag := range tags {
		v := fields[tag]
		var hdr [6]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(tag))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(len(v)))
		out = append(out, hdr[:]...)
		out = append(out, v...)
	}
	return out
}
