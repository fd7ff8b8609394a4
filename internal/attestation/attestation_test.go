package attestation

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"agentd/internal/certificate"
	"agentd/internal/dataservice"
	"agentd/internal/model"
	"agentd/internal/uuidx"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func buildCreateCert(t *testing.T, id uuidx.UUID) []byte {
	t.Helper()
	b := certificate.NewBuilder().
		Set(certificate.FieldCertVersion, []byte{1}).
		Set(certificate.FieldTimestamp, []byte{0, 0, 0, 0, 0, 0, 0, 1}).
		Set(certificate.FieldCryptoSuite, []byte{1}).
		Set(certificate.FieldCertType, id.Bytes()).
		Set(certificate.FieldSignerID, id.Bytes()).
		Set(certificate.FieldSignature, []byte("sig"))
	return b.Build().Emit()
}

func TestEmptyQueueTick(t *testing.T) {
	data := dataservice.New(0)
	parser := certificate.TLVParser{}
	svc := New(data, parser, clock.NewMock(), testLogger())

	if err := svc.Tick(); err != nil {
		t.Fatalf("Tick on empty queue: %v", err)
	}
	// No panics, no promote/drop side effects to observe beyond: the
	// queue remains empty.
	root := data.RootContextCreate()
	if _, err := data.TransactionGetFirst(root); err != dataservice.ErrNotFound {
		t.Fatalf("expected still-empty queue, got %v", err)
	}
}

func TestSingleCreateTransactionPromoted(t *testing.T) {
	data := dataservice.New(0)
	parser := certificate.TLVParser{}
	svc := New(data, parser, clock.NewMock(), testLogger())

	root := data.RootContextCreate()
	txID := uuidx.New()
	artifactID := uuidx.New()
	cert := buildCreateCert(t, txID)
	if err := data.TransactionSubmit(root, txID, uuidx.Zero(), artifactID, cert); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	node, err := data.TransactionGet(root, txID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.State != model.Attested {
		t.Fatalf("expected attested, got %v", node.State)
	}
}

func TestMalformedCertificateDropped(t *testing.T) {
	data := dataservice.New(0)
	parser := certificate.TLVParser{}
	svc := New(data, parser, clock.NewMock(), testLogger())

	root := data.RootContextCreate()
	txID := uuidx.New()
	artifactID := uuidx.New()
	if err := data.TransactionSubmit(root, txID, uuidx.Zero(), artifactID, []byte("not a certificate")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if _, err := data.TransactionGet(root, txID); err != dataservice.ErrNotFound {
		t.Fatalf("expected dropped transaction to be gone, got %v", err)
	}
}
