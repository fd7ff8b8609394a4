package dataservice

import (
	"testing"

	"agentd/internal/model"
	"agentd/internal/uuidx"
)

func newRootCtx(s *Service) uint64 {
	return s.RootContextCreate()
}

func TestTransactionGetFirstEmptyQueueNotFound(t *testing.T) {
	s := New(0)
	root := newRootCtx(s)
	if _, err := s.TransactionGetFirst(root); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionSubmitPromoteDropLifecycle(t *testing.T) {
	s := New(0)
	root := newRootCtx(s)

	tx := uuidx.New()
	artifact := uuidx.New()
	if err := s.TransactionSubmit(root, tx, uuidx.Zero(), artifact, []byte("cert")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	head, err := s.TransactionGetFirst(root)
	if err != nil {
		t.Fatalf("get_first: %v", err)
	}
	if head.ID != tx {
		t.Fatalf("expected head %v, got %v", tx, head.ID)
	}

	if err := s.TransactionPromote(root, tx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	node, err := s.TransactionGet(root, tx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.State != model.Attested {
		t.Fatalf("expected attested, got %v", node.State)
	}

	rec, err := s.ArtifactGet(root, artifact)
	if err != nil {
		t.Fatalf("artifact_get: %v", err)
	}
	if rec.FirstTxID != tx || rec.LatestTxID != tx {
		t.Fatalf("unexpected artifact record: %+v", rec)
	}

	if err := s.TransactionDrop(root, tx); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := s.TransactionGetFirst(root); err != ErrNotFound {
		t.Fatalf("expected empty queue after drop, got %v", err)
	}
}

func TestBlockMakeIdempotent(t *testing.T) {
	s := New(0)
	root := newRootCtx(s)

	blockID := uuidx.New()
	block := model.BlockNode{ID: blockID, Previous: uuidx.Zero(), Height: 1, Cert: []byte("certA")}

	if err := s.BlockMake(root, block, nil); err != nil {
		t.Fatalf("first block_make: %v", err)
	}
	if err := s.BlockMake(root, block, nil); err != nil {
		t.Fatalf("idempotent retry should succeed, got %v", err)
	}

	different := model.BlockNode{ID: blockID, Previous: uuidx.Zero(), Height: 1, Cert: []byte("certB")}
	if err := s.BlockMake(root, different, nil); err != ErrConflict {
		t.Fatalf("expected ErrConflict on mismatched retry, got %v", err)
	}
}

// TestTransactionNextIsPerArtifactChainNotGlobalQueue exercises spec.md
// §8's invariant 1 (`P.next = T.id` within one artifact's chain) across
// an interleaved submission of two artifacts, which the global process
// queue order alone would get wrong: tx1 (artifact A, create), tx2
// (artifact B, create), tx3 (artifact A, prev=tx1). tx1.Next must name
// tx3, not tx2, even though tx2 is tx1's successor in the process queue.
func TestTransactionNextIsPerArtifactChainNotGlobalQueue(t *testing.T) {
	s := New(0)
	root := newRootCtx(s)

	artifactA := uuidx.New()
	artifactB := uuidx.New()
	tx1 := uuidx.New()
	tx2 := uuidx.New()
	tx3 := uuidx.New()

	if err := s.TransactionSubmit(root, tx1, uuidx.Zero(), artifactA, []byte("cert1")); err != nil {
		t.Fatalf("submit tx1: %v", err)
	}
	if err := s.TransactionSubmit(root, tx2, uuidx.Zero(), artifactB, []byte("cert2")); err != nil {
		t.Fatalf("submit tx2: %v", err)
	}
	if err := s.TransactionSubmit(root, tx3, tx1, artifactA, []byte("cert3")); err != nil {
		t.Fatalf("submit tx3: %v", err)
	}

	for _, id := range []uuidx.UUID{tx1, tx2, tx3} {
		if err := s.TransactionPromote(root, id); err != nil {
			t.Fatalf("promote %v: %v", id, err)
		}
	}

	node1, err := s.TransactionGet(root, tx1)
	if err != nil {
		t.Fatalf("get tx1: %v", err)
	}
	if node1.Next != tx3 {
		t.Fatalf("expected tx1.Next = tx3 (artifact chain), got %v", node1.Next)
	}

	node3, err := s.TransactionGet(root, tx3)
	if err != nil {
		t.Fatalf("get tx3: %v", err)
	}
	if node3.Prev != tx1 || node3.Artifact != artifactA {
		t.Fatalf("unexpected tx3 linkage: %+v", node3)
	}

	// Process-queue order (QueueNext) remains insertion order, distinct
	// from the artifact chain above.
	node2, err := s.TransactionGet(root, tx2)
	if err != nil {
		t.Fatalf("get tx2: %v", err)
	}
	if node1.QueueNext != tx2 || node2.QueueNext != tx3 {
		t.Fatalf("unexpected process queue order: tx1.QueueNext=%v tx2.QueueNext=%v", node1.QueueNext, node2.QueueNext)
	}
}

func TestReduceCapsThenUnauthorized(t *testing.T) {
	s := New(0)
	root := newRootCtx(s)
	child, err := s.ChildContextCreate(root, model.NewCapabilitiesFull(MethodCount))
	if err != nil {
		t.Fatalf("child_context_create: %v", err)
	}

	if err := s.ReduceCaps(child, model.NewCapabilitiesEmpty(MethodCount)); err != nil {
		t.Fatalf("reduce_caps: %v", err)
	}
	if err := s.ReduceCaps(child, model.NewCapabilitiesEmpty(MethodCount)); err != ErrUnauthorized {
		t.Fatalf("expected unauthorized on second reduce_caps, got %v", err)
	}
	if _, err := s.TransactionGetFirst(child); err != ErrUnauthorized {
		t.Fatalf("expected unauthorized after caps cleared, got %v", err)
	}
}
