package protocol

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"agentd/internal/dataservice"
	"agentd/internal/ipc"
	"agentd/internal/model"
	"agentd/internal/notification"
	"agentd/internal/uuidx"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestAcceptWiresScopedSession(t *testing.T) {
	data := dataservice.New(0)
	notify := notification.New()
	svc := New(PassThroughAuthenticator{}, data, notify, testLogger())

	server, client := net.Pipe()
	defer client.Close()

	sess, err := svc.Accept(context.Background(), server)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sess.DataCtxID == 0 {
		t.Fatal("expected non-zero data context id")
	}

	// The data context should permit at least one method under full caps.
	if _, err := data.TransactionGetFirst(sess.DataCtxID); err != dataservice.ErrNotFound {
		t.Fatalf("expected not-found on empty queue through scoped context, got %v", err)
	}

	svc.Close(sess)
	if _, err := data.TransactionGetFirst(sess.DataCtxID); err != dataservice.ErrNoContext {
		t.Fatalf("expected closed context to be gone, got %v", err)
	}
}

func TestServeForwardsTransactionSubmitAndReduceCaps(t *testing.T) {
	data := dataservice.New(0)
	notify := notification.New()
	svc := New(PassThroughAuthenticator{}, data, notify, testLogger())

	server, client := net.Pipe()
	defer client.Close()

	sess, err := svc.Accept(context.Background(), server)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve(ctx, sess) }()

	w := ipc.NewWriter(client)
	r := ipc.NewReader(client)

	// Accept scopes the client's notification subscription rights by
	// issuing an initial reduce-caps call (spec.md §4.9); PassThroughAuthenticator
	// grants full notification caps, so it is a no-op reduction that still
	// emits the method's normal response before anything else is sent.
	initMethodFrame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read initial reduce-caps response method: %v", err)
	}
	if m, err := initMethodFrame.U64(); err != nil || notification.Method(m) != notification.MethodReduceCaps {
		t.Fatalf("expected initial reduce-caps method, got %v (err %v)", m, err)
	}
	initStatusFrame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read initial reduce-caps response status: %v", err)
	}
	if status, err := initStatusFrame.U8(); err != nil || status != 0 {
		t.Fatalf("expected initial reduce-caps status 0, got %v (err %v)", status, err)
	}
	initOffsetFrame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read initial reduce-caps response offset: %v", err)
	}
	if off, err := initOffsetFrame.U64(); err != nil || off != 0 {
		t.Fatalf("expected initial reduce-caps offset 0, got %v (err %v)", off, err)
	}
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("read initial reduce-caps response payload: %v", err)
	}

	id, prev, artifact := uuidx.New(), uuidx.Zero(), uuidx.New()
	if err := w.WriteU8(uint8(realmTransactionSubmit)); err != nil {
		t.Fatalf("write realm: %v", err)
	}
	if err := w.WriteU64(1); err != nil {
		t.Fatalf("write offset: %v", err)
	}
	for _, b := range [][]byte{id.Bytes(), prev.Bytes(), artifact.Bytes(), []byte("cert")} {
		if err := w.WriteData(b); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}

	methodFrame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read response realm: %v", err)
	}
	if m, err := methodFrame.U64(); err != nil || realm(m) != realmTransactionSubmit {
		t.Fatalf("expected realmTransactionSubmit echoed, got %v (err %v)", m, err)
	}
	statusFrame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	status, err := statusFrame.U8()
	if err != nil || status != 0 {
		t.Fatalf("expected status 0, got %v (err %v)", status, err)
	}
	offsetFrame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read offset: %v", err)
	}
	if off, err := offsetFrame.U64(); err != nil || off != 1 {
		t.Fatalf("expected offset 1 echoed, got %v (err %v)", off, err)
	}

	tx, err := data.TransactionGet(sess.DataCtxID, id)
	if err != nil {
		t.Fatalf("expected submitted transaction to be retrievable: %v", err)
	}
	if tx.ID != id {
		t.Fatalf("expected tx id %v, got %v", id, tx.ID)
	}

	if err := w.WriteU8(uint8(realmReduceCaps)); err != nil {
		t.Fatalf("write realm: %v", err)
	}
	if err := w.WriteU64(2); err != nil {
		t.Fatalf("write offset: %v", err)
	}
	if err := w.WriteData(model.NewCapabilitiesEmpty(notification.MethodCount).Bytes()); err != nil {
		t.Fatalf("write caps: %v", err)
	}

	cancel()
	client.Close()
	<-serveErr
}
