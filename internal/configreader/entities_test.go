package configreader

import (
	"bytes"
	"testing"

	"agentd/internal/certificate"
	"agentd/internal/ipc"
)

func signedEntityCert(t *testing.T, signer *certificate.Secp256k1Signer, signerID []byte) certificate.Certificate {
	t.Helper()
	fields := map[certificate.FieldTag][]byte{
		certificate.FieldCertVersion: {1},
		certificate.FieldSignerID:    signerID,
	}
	body := certificate.SignedBody(fields)
	sig, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b := certificate.NewBuilder()
	for tag, v := range fields {
		b.Set(tag, v)
	}
	b.Set(certificate.FieldSignature, sig)
	return b.Build()
}

func writeEntityRecord(t *testing.T, w *ipc.Writer, cert certificate.Certificate, caps []CapabilityTriple) {
	t.Helper()
	if err := w.WriteU8(uint8(markerBOM)); err != nil {
		t.Fatalf("write BOM: %v", err)
	}
	if err := w.WriteData(cert.Emit()); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := w.WriteU8(uint8(markerEOM)); err != nil {
		t.Fatalf("write EOM: %v", err)
	}
	if err := w.WriteU64(uint64(len(caps))); err != nil {
		t.Fatalf("write cap count: %v", err)
	}
	for _, c := range caps {
		if err := w.WriteU8(uint8(markerBOM)); err != nil {
			t.Fatalf("write tuple BOM: %v", err)
		}
		if err := w.WriteData(c.Subject[:]); err != nil {
			t.Fatalf("write subject: %v", err)
		}
		if err := w.WriteData(c.Verb[:]); err != nil {
			t.Fatalf("write verb: %v", err)
		}
		if err := w.WriteData(c.Object[:]); err != nil {
			t.Fatalf("write object: %v", err)
		}
		if err := w.WriteU8(uint8(markerEOM)); err != nil {
			t.Fatalf("write tuple EOM: %v", err)
		}
	}
}

func TestReadEntitiesEndorserThenEntity(t *testing.T) {
	endorser := certificate.GenerateSigner([32]byte{1, 2, 3, 4, 5})
	endorserPub := endorser.PublicKey()

	endorserCert := signedEntityCert(t, endorser, endorserPub)
	entityCert := signedEntityCert(t, endorser, []byte("entity-signer"))

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf)
	writeEntityRecord(t, w, endorserCert, nil)
	writeEntityRecord(t, w, entityCert, []CapabilityTriple{{
		Subject: [16]byte{1},
		Verb:    [16]byte{2},
		Object:  [16]byte{3},
	}})
	if err := w.WriteU8(uint8(markerTopEOM)); err != nil {
		t.Fatalf("write top EOM: %v", err)
	}

	entities, err := ReadEntities(&buf, certificate.TLVParser{})
	if err != nil {
		t.Fatalf("ReadEntities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("len(entities) = %d, want 2", len(entities))
	}
	if len(entities[1].Capabilities) != 1 {
		t.Fatalf("len(entities[1].Capabilities) = %d, want 1", len(entities[1].Capabilities))
	}
}

func TestReadEntitiesRejectsUnattestedEntity(t *testing.T) {
	endorser := certificate.GenerateSigner([32]byte{9, 9, 9})
	impostor := certificate.GenerateSigner([32]byte{1, 1, 1})

	endorserCert := signedEntityCert(t, endorser, endorser.PublicKey())
	entityCert := signedEntityCert(t, impostor, []byte("entity-signer"))

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf)
	writeEntityRecord(t, w, endorserCert, nil)
	writeEntityRecord(t, w, entityCert, nil)
	if err := w.WriteU8(uint8(markerTopEOM)); err != nil {
		t.Fatalf("write top EOM: %v", err)
	}

	if _, err := ReadEntities(&buf, certificate.TLVParser{}); err == nil {
		t.Fatal("expected rejection of entity not attested by the endorser")
	}
}
