// Package certificate defines the certificate parser/builder interface the
// core consumes (spec.md §6.4) and a minimal concrete implementation used
// only so the rest of the system — attestation, canonization, the entity
// endorsement check — has something real to call end to end in tests. The
// certificate field grammar itself is explicitly out of scope (spec.md §1);
// this package does not claim to model it.
package certificate

import "agentd/internal/uuidx"

// FieldTag identifies a field within a certificate. Real tag values are
// external (spec.md §6.4: "referenced symbolically"); the constants below
// are this repository's own stand-in numbering, not a claim about the real
// grammar.
type FieldTag uint16

const (
	FieldCertVersion FieldTag = iota + 1
	FieldTimestamp
	FieldCryptoSuite
	FieldCertType
	FieldBlockID
	FieldPreviousBlockID
	FieldPreviousBlockSignature
	FieldBlockHeight
	FieldContainedTransaction
	FieldSignerID
	FieldSignature
	FieldArtifactID
	FieldPreviousTransactionID
	FieldTransactionType
)

// CryptoSuiteSecp256k1 is this repository's stand-in crypto-suite id
// (spec.md §4.8 step 5's "crypto suite id" field), identifying
// Secp256k1Signer as the suite that produced the certificate's signature.
const CryptoSuiteSecp256k1 = 1

// CertTypeTransactionBlock is the distinguished certificate-type UUID for
// "transaction block" certificates (spec.md §4.8 step 5). A fixed value so
// every canonization service instance in one deployment agrees on it.
func CertTypeTransactionBlock() uuidx.UUID {
	u := uuidx.UUID{}
	u[0] = 0x5A // arbitrary but stable marker byte
	u[1] = 0x42 // 'B'
	u[2] = 0x4C // 'L'
	u[3] = 0x4B // 'K'
	return u
}

// Certificate is the read side the core consumes: field lookup by tag and
// attestation against an endorser public key (spec.md §6.4).
type Certificate interface {
	// Field returns the raw bytes of the named field, or ok=false if
	// absent.
	Field(tag FieldTag) (value []byte, ok bool)

	// AttestedBy reports whether this certificate's signature verifies
	// against the given endorser public key.
	AttestedBy(endorserPubKey []byte) bool

	// Emit returns the certificate's canonical encoded bytes.
	Emit() []byte
}

// Parser builds a Certificate from its wire bytes.
type Parser interface {
	Parse(data []byte) (Certificate, error)
}

// Signer produces signatures over a to-be-signed certificate body and
// verifies them, standing in for the out-of-scope cryptographic suite
// (spec.md §1 non-goals; SPEC_FULL.md §4.8's secp256k1 binding).
type Signer interface {
	Sign(body []byte) (signature []byte, err error)
	Verify(pubKey, body, signature []byte) bool
	PublicKey() []byte
}
