package canonization

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"agentd/internal/certificate"
	"agentd/internal/dataservice"
	"agentd/internal/notification"
	"agentd/internal/random"
	"agentd/internal/uuidx"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestEmptyQueueTickNoBlock(t *testing.T) {
	data := dataservice.New(0)
	notify := notification.New()
	notify.RegisterClient(1, 4, func(notification.Response) {})

	signer := certificate.GenerateSigner([32]byte{1})
	svc := New(data, notify, 1, random.NewLocalClient(), signer, clock.NewMock(), testLogger(), DefaultConfig())

	if err := svc.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if notify.LatestBlockID() != uuidx.Zero() {
		t.Fatal("expected latest block id to remain zero")
	}
}

func TestSingleAttestedBlockCanonized(t *testing.T) {
	data := dataservice.New(0)
	notify := notification.New()
	notify.RegisterClient(1, 4, func(notification.Response) {})

	signer := certificate.GenerateSigner([32]byte{2})
	svc := New(data, notify, 1, random.NewLocalClient(), signer, clock.NewMock(), testLogger(), Config{BlockMaxMilliseconds: 1, BlockMaxTransactions: 10})

	root := data.RootContextCreate()
	txID := uuidx.New()
	artifactID := uuidx.New()
	if err := data.TransactionSubmit(root, txID, uuidx.Zero(), artifactID, []byte("cert")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := data.TransactionPromote(root, txID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if err := svc.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	latest := notify.LatestBlockID()
	if latest == uuidx.Zero() {
		t.Fatal("expected latest block id to advance")
	}

	block, err := data.BlockGet(root, latest)
	if err != nil {
		t.Fatalf("block_get: %v", err)
	}
	if block.FirstTxID != txID {
		t.Fatalf("expected block.FirstTxID = %v, got %v", txID, block.FirstTxID)
	}
	if block.Height != 1 {
		t.Fatalf("expected height 1, got %d", block.Height)
	}
	if !block.Previous.IsZero() {
		t.Fatalf("expected previous = zero UUID, got %v", block.Previous)
	}
}
