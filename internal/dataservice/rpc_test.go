package dataservice

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"agentd/internal/model"
	"agentd/internal/uuidx"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// newRPCPair wires a real Service behind a Server on one end of a
// net.Pipe and a Client on the other, exercising the same gob-over-ipc
// envelope a separate-process deployment would use.
func newRPCPair(t *testing.T) (*Client, func()) {
	t.Helper()
	svc := New(0)
	srv := NewServer(svc, testLogger())

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(server)
		close(done)
	}()

	return NewClient(client), func() {
		client.Close()
		server.Close()
		<-done
	}
}

func TestRPCRootAndChildContextLifecycle(t *testing.T) {
	c, cleanup := newRPCPair(t)
	defer cleanup()

	root := c.RootContextCreate()
	if root == 0 {
		t.Fatal("expected non-zero root context id")
	}

	child, err := c.ChildContextCreate(root, model.NewCapabilitiesFull(MethodCount))
	if err != nil {
		t.Fatalf("child context create: %v", err)
	}
	if child == 0 {
		t.Fatal("expected non-zero child context id")
	}

	if err := c.ChildContextClose(child); err != nil {
		t.Fatalf("child context close: %v", err)
	}
	if _, err := c.TransactionGetFirst(child); err != ErrNoContext {
		t.Fatalf("expected ErrNoContext on closed context, got %v", err)
	}
}

func TestRPCTransactionSubmitAndRetrieve(t *testing.T) {
	c, cleanup := newRPCPair(t)
	defer cleanup()

	root := c.RootContextCreate()
	tx := uuidx.New()
	artifact := uuidx.New()

	if err := c.TransactionSubmit(root, tx, uuidx.Zero(), artifact, []byte("cert")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	head, err := c.TransactionGetFirst(root)
	if err != nil {
		t.Fatalf("get_first: %v", err)
	}
	if head.ID != tx {
		t.Fatalf("expected head %v, got %v", tx, head.ID)
	}

	if err := c.TransactionPromote(root, tx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := c.TransactionDrop(root, tx); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := c.TransactionGet(root, tx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after drop, got %v", err)
	}
}

func TestRPCGlobalSettingsRoundTrip(t *testing.T) {
	c, cleanup := newRPCPair(t)
	defer cleanup()

	root := c.RootContextCreate()
	if err := c.GlobalSettingsSet(root, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := c.GlobalSettingsGet(root, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("expected %q, got %q", "v", v)
	}
}

func TestRPCReduceCapsDeniesSubsequentCalls(t *testing.T) {
	c, cleanup := newRPCPair(t)
	defer cleanup()

	root := c.RootContextCreate()
	empty := model.NewCapabilitiesEmpty(MethodCount)
	if err := c.ReduceCaps(root, empty); err != nil {
		t.Fatalf("reduce caps: %v", err)
	}
	if _, err := c.TransactionGetFirst(root); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized after reduce, got %v", err)
	}
}
