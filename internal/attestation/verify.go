package attestation

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"agentd/internal/certificate"
	"agentd/internal/dataservice"
	"agentd/internal/model"
)

// verifyFields is spec.md §4.7 step 4a: the certificate parses and
// required fields are well-formed. Per the Design Notes' open question
// this is a full check, not the source's stub.
func (s *Service) verifyFields(node *model.TransactionNode) error {
	cert, err := s.parser.Parse(node.Cert)
	if err != nil {
		return fmt.Errorf("attestation: certificate parse failed: %w", err)
	}
	for _, tag := range []certificate.FieldTag{
		certificate.FieldCertVersion,
		certificate.FieldTimestamp,
		certificate.FieldCryptoSuite,
		certificate.FieldCertType,
		certificate.FieldSignerID,
		certificate.FieldSignature,
	} {
		if _, ok := cert.Field(tag); !ok {
			return fmt.Errorf("attestation: certificate missing required field %v", tag)
		}
	}
	if !node.IsCreate() {
		prevField, ok := cert.Field(certificate.FieldPreviousTransactionID)
		if !ok {
			return errors.New("attestation: non-create certificate missing previous-transaction field")
		}
		if string(prevField) != string(node.Prev.Bytes()) {
			return errors.New("attestation: certificate previous-transaction field does not match node.Prev")
		}
	}
	return nil
}

// verifySequence is spec.md §4.7 step 4b.
func (s *Service) verifySequence(ctxID uint64, node *model.TransactionNode, txTree *btree.BTreeG[*model.TransactionNode]) error {
	if node.Prev.IsZero() {
		return nil
	}
	if pred, found := txTree.Get(&model.TransactionNode{ID: node.Prev}); found {
		if pred.Artifact != node.Artifact {
			return fmt.Errorf("attestation: predecessor %s belongs to a different artifact", node.Prev)
		}
		return nil
	}
	pred, err := s.data.TransactionGet(ctxID, node.Prev)
	if err != nil {
		return fmt.Errorf("attestation: predecessor %s lookup failed: %w", node.Prev, err)
	}
	if pred.Artifact != node.Artifact {
		return fmt.Errorf("attestation: predecessor %s belongs to a different artifact", node.Prev)
	}
	if pred.State != model.Attested && pred.State != model.Canonized {
		return fmt.Errorf("attestation: predecessor %s not yet attested", node.Prev)
	}
	return nil
}

// verifyUnique is spec.md §4.7 step 4c. The transaction id is checked only
// against transactions promoted earlier in this pass. For creates, the
// artifact id is checked against artifacts created earlier in this pass and
// against the data service's artifact records. Neither id is checked
// against block ids, entity ids, or the other kind's ids.
func (s *Service) verifyUnique(ctxID uint64, node *model.TransactionNode, txTree *btree.BTreeG[*model.TransactionNode], artifactTree *btree.BTreeG[*model.ArtifactRecord]) error {
	if _, found := txTree.Get(&model.TransactionNode{ID: node.ID}); found {
		return fmt.Errorf("attestation: transaction id %s collides within this pass", node.ID)
	}
	if !node.IsCreate() {
		return nil
	}
	if _, found := artifactTree.Get(&model.ArtifactRecord{ID: node.Artifact}); found {
		return fmt.Errorf("attestation: artifact id %s collides within this pass", node.Artifact)
	}
	_, err := s.data.ArtifactGet(ctxID, node.Artifact)
	if err == nil {
		return fmt.Errorf("attestation: artifact id %s already exists", node.Artifact)
	}
	if !errors.Is(err, dataservice.ErrNotFound) {
		return err
	}
	return nil
}
