package certificate

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1Signer is the concrete Signer binding used by canonization's
// block signing and the entity-endorsement check (SPEC_FULL.md §4.8,
// §9 SUPPLEMENT). The cryptographic suite itself is out of scope
// (spec.md §1); this is the repository's own choice of a real,
// already-present suite (decred/dcrd/dcrec/secp256k1, a teacher indirect
// dependency) to exercise the in-scope sign/verify/attest call shapes.
type Secp256k1Signer struct {
	priv *secp256k1.PrivateKey
}

// NewSecp256k1Signer wraps a raw 32-byte private key scalar.
func NewSecp256k1Signer(key []byte) *Secp256k1Signer {
	priv := secp256k1.PrivKeyFromBytes(key)
	return &Secp256k1Signer{priv: priv}
}

// GenerateSigner creates the keypair whose private key is the 32 bytes of
// randSource; it is called from tests.
func GenerateSigner(randSource [32]byte) *Secp256k1Signer {
	priv := secp256k1.PrivKeyFromBytes(randSource[:])
	return &Secp256k1Signer{priv: priv}
}

func (s *Secp256k1Signer) Sign(body []byte) ([]byte, error) {
	digest := sha256.Sum256(body)
	sig := ecdsa.Sign(s.priv, digest[:])
	return sig.Serialize(), nil
}

func (s *Secp256k1Signer) Verify(pubKey, body, signature []byte) bool {
	pk, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(body)
	return sig.Verify(digest[:], pk)
}

func (s *Secp256k1Signer) PublicKey() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

// defaultSigner backs Certificate.AttestedBy's verification path; the TLV
// stub has no other way to learn which suite signed it since the real
// certificate grammar (which would carry a crypto-suite-id field the
// parser could dispatch on, per spec.md §6.3) is out of scope.
var defaultSigner = &Secp256k1Signer{}
