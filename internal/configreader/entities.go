package configreader

import (
	"fmt"
	"io"

	"agentd/internal/certificate"
	"agentd/internal/ipc"
	"agentd/pkg/utils"
)

// PublicEntity is one authorized-entity certificate plus the capability
// triples it grants, per spec.md §6.3's public-entity record shape.
type PublicEntity struct {
	Cert         certificate.Certificate
	Capabilities []CapabilityTriple
}

// CapabilityTriple is a (subject, verb, object) capability grant as
// carried by a public-entity record (spec.md §3, §6.3).
type CapabilityTriple struct {
	Subject, Verb, Object [16]byte
}

// ReadEntities decodes the public-entities stream: a BOM-delimited
// sequence whose first record is the endorser (SPEC_FULL.md §9
// SUPPLEMENT, grounded on the original's
// private_command_read_public_entities.c). Every subsequent entity's
// certificate must verify against the endorser's public key or the whole
// load fails fatally, matching the source's fatal-startup behavior.
func ReadEntities(r io.Reader, parser certificate.Parser) ([]PublicEntity, error) {
	ir := ipc.NewReader(r)

	endorserCert, err := readOneEntityCert(ir, parser)
	if err != nil {
		return nil, utils.Wrap(err, "configreader: reading endorser record")
	}
	endorserKey, ok := endorserCert.Field(certificate.FieldSignerID)
	if !ok {
		return nil, fmt.Errorf("configreader: endorser certificate missing signer id")
	}

	entities := []PublicEntity{{Cert: endorserCert}}
	for {
		marker, err := ir.ReadFrame()
		if err != nil {
			return nil, utils.Wrap(err, "configreader: reading entity stream marker")
		}
		if v, verr := marker.U8(); verr == nil && v == uint8(markerTopEOM) {
			break
		}
		if v, verr := marker.U8(); verr != nil || v != uint8(markerBOM) {
			return nil, fmt.Errorf("configreader: expected entity BOM or top-level EOM")
		}

		cert, caps, err := readEntityBody(ir, parser)
		if err != nil {
			return nil, utils.Wrap(err, "configreader: reading entity body")
		}
		if !cert.AttestedBy(endorserKey) {
			return nil, fmt.Errorf("configreader: entity certificate does not verify against endorser key")
		}
		entities = append(entities, PublicEntity{Cert: cert, Capabilities: caps})
	}
	return entities, nil
}

// readOneEntityCert reads a single BOM-delimited certificate record (used
// for the endorser). The record's capability count and tuples are read like
// any other entity's and then discarded.
func readOneEntityCert(ir *ipc.Reader, parser certificate.Parser) (certificate.Certificate, error) {
	bom, err := ir.ReadFrame()
	if err != nil {
		return nil, err
	}
	if v, verr := bom.U8(); verr != nil || v != uint8(markerBOM) {
		return nil, fmt.Errorf("expected BOM")
	}
	cert, _, err := readEntityBody(ir, parser)
	return cert, err
}

// readEntityBody reads the certificate-bytes field, the EOM, the u64
// capability count, and that many capability tuples (spec.md §6.3).
func readEntityBody(ir *ipc.Reader, parser certificate.Parser) (certificate.Certificate, []CapabilityTriple, error) {
	certFrame, err := ir.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	certBytes, err := certFrame.Data()
	if err != nil {
		return nil, nil, err
	}
	cert, err := parser.Parse(certBytes)
	if err != nil {
		return nil, nil, utils.Wrap(err, "parsing entity certificate")
	}

	eom, err := ir.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	if v, verr := eom.U8(); verr != nil || v != uint8(markerEOM) {
		return nil, nil, fmt.Errorf("expected EOM after entity certificate")
	}

	countFrame, err := ir.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	count, err := countFrame.U64()
	if err != nil {
		return nil, nil, err
	}

	caps := make([]CapabilityTriple, 0, count)
	for i := uint64(0); i < count; i++ {
		tupleBOM, err := ir.ReadFrame()
		if err != nil {
			return nil, nil, err
		}
		if v, verr := tupleBOM.U8(); verr != nil || v != uint8(markerBOM) {
			return nil, nil, fmt.Errorf("expected BOM before capability tuple")
		}
		subject, err := readField16(ir)
		if err != nil {
			return nil, nil, err
		}
		verb, err := readField16(ir)
		if err != nil {
			return nil, nil, err
		}
		object, err := readField16(ir)
		if err != nil {
			return nil, nil, err
		}
		tupleEOM, err := ir.ReadFrame()
		if err != nil {
			return nil, nil, err
		}
		if v, verr := tupleEOM.U8(); verr != nil || v != uint8(markerEOM) {
			return nil, nil, fmt.Errorf("expected EOM after capability tuple")
		}
		caps = append(caps, CapabilityTriple{Subject: subject, Verb: verb, Object: object})
	}
	return cert, caps, nil
}

func readField16(ir *ipc.Reader) ([16]byte, error) {
	var out [16]byte
	f, err := ir.ReadFrame()
	if err != nil {
		return out, err
	}
	b, err := f.Data()
	if err != nil {
		return out, err
	}
	if len(b) != 16 {
		return out, fmt.Errorf("expected 16-byte field, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
