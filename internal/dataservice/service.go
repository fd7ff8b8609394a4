package dataservice

import (
	"bytes"

	"agentd/internal/model"
	"agentd/internal/uuidx"
)

// Service is the data-service front-end: a method-coded request router
// over an in-memory store and a context arena (spec.md §4.5).
type Service struct {
	store *store
	ctx   *contextArena
}

// New constructs a data service with the given artifact-cache size (0 uses
// a sensible default).
func New(cacheSize int) *Service {
	return &Service{store: newStore(cacheSize), ctx: newContextArena()}
}

// RootContextCreate allocates a root context with every capability set —
// spec.md §4.5's distinguished method that, unlike every other, carries no
// child-context id.
func (s *Service) RootContextCreate() uint64 {
	return s.ctx.create(model.NewCapabilitiesFull(MethodCount))
}

// ChildContextCreate derives a new context from parentID, reduced to caps.
func (s *Service) ChildContextCreate(parentID uint64, caps model.Capabilities) (uint64, error) {
	if err := s.ctx.allows(parentID, MethodChildContextCreate); err != nil {
		return 0, err
	}
	child := caps.Clone()
	return s.ctx.create(child), nil
}

// ChildContextClose discards ctxID.
func (s *Service) ChildContextClose(ctxID uint64) error {
	if err := s.ctx.allows(ctxID, MethodChildContextClose); err != nil {
		return err
	}
	s.ctx.close(ctxID)
	return nil
}

// ReduceCaps intersects caps into ctxID's capabilities. Idempotent: a
// repeated call with the same caps is equivalent to one (spec.md §8).
func (s *Service) ReduceCaps(ctxID uint64, caps model.Capabilities) error {
	if err := s.ctx.allows(ctxID, MethodReduceCaps); err != nil {
		return err
	}
	return s.ctx.reduce(ctxID, caps)
}

// GlobalSettingsGet reads a global-settings value.
func (s *Service) GlobalSettingsGet(ctxID uint64, key string) ([]byte, error) {
	if err := s.ctx.allows(ctxID, MethodGlobalSettingsGet); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	v, ok := s.store.globals[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// GlobalSettingsSet writes a global-settings value.
func (s *Service) GlobalSettingsSet(ctxID uint64, key string, value []byte) error {
	if err := s.ctx.allows(ctxID, MethodGlobalSettingsSet); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.globals[key] = value
	return nil
}

// TransactionSubmit enqueues a new transaction in the submitted state,
// appending it to the tail of the global process queue. If prev names a
// predecessor in the same artifact's chain, the predecessor's Next is
// updated to point at this transaction — the literal per-artifact chain
// pointer spec.md §3 defines and testable invariant §8.1 quantifies over,
// kept distinct from the process-queue traversal link (store.go's
// QueueNext).
func (s *Service) TransactionSubmit(ctxID uint64, id, prev, artifact uuidx.UUID, cert []byte) error {
	if err := s.ctx.allows(ctxID, MethodTransactionSubmit); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	node := &model.TransactionNode{
		ID:         id,
		Prev:       prev,
		Next:       uuidx.AllOnes(),
		Artifact:   artifact,
		State:      model.Submitted,
		CertLength: uint32(len(cert)),
		Cert:       cert,
	}
	s.store.transactions.ReplaceOrInsert(node)
	s.store.queuePushTail(node)
	if !prev.IsZero() {
		if predecessor, ok := s.store.txGet(prev); ok {
			predecessor.Next = id
		}
	}
	return nil
}

// TransactionGetFirst returns the head of the process queue, or
// ErrNotFound on an empty queue (spec.md §8 boundary behavior: "not an
// empty success").
func (s *Service) TransactionGetFirst(ctxID uint64) (*model.TransactionNode, error) {
	if err := s.ctx.allows(ctxID, MethodTransactionGetFirst); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.queueHead.IsAllOnes() {
		return nil, ErrNotFound
	}
	node, ok := s.store.txGet(s.store.queueHead)
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

// TransactionGet returns a node by id.
func (s *Service) TransactionGet(ctxID uint64, id uuidx.UUID) (*model.TransactionNode, error) {
	if err := s.ctx.allows(ctxID, MethodTransactionGet); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	node, ok := s.store.txGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

// TransactionPromote advances id from submitted to attested, creating or
// updating the owning artifact record.
func (s *Service) TransactionPromote(ctxID uint64, id uuidx.UUID) error {
	if err := s.ctx.allows(ctxID, MethodTransactionPromote); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	node, ok := s.store.txGet(id)
	if !ok {
		return ErrNotFound
	}
	node.State = model.Attested

	if node.IsCreate() {
		rec := &model.ArtifactRecord{
			ID:          node.Artifact,
			FirstTxID:   node.ID,
			LatestTxID:  node.ID,
			FirstHeight: 0,
			LatestHeight: 0,
			LatestState: model.Attested,
		}
		s.store.artifactPut(rec)
	} else if rec, ok := s.store.artifactGet(node.Artifact); ok {
		rec.LatestTxID = node.ID
		rec.LatestState = model.Attested
		s.store.artifactPut(rec)
	}
	return nil
}

// TransactionDrop removes id from the process queue and storage.
func (s *Service) TransactionDrop(ctxID uint64, id uuidx.UUID) error {
	if err := s.ctx.allows(ctxID, MethodTransactionDrop); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.txGet(id); !ok {
		return ErrNotFound
	}
	s.store.queueUnlink(id)
	probe := &model.TransactionNode{ID: id}
	s.store.transactions.Delete(probe)
	return nil
}

// ArtifactGet looks up an artifact record by id.
func (s *Service) ArtifactGet(ctxID uint64, id uuidx.UUID) (*model.ArtifactRecord, error) {
	if err := s.ctx.allows(ctxID, MethodArtifactGet); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	rec, ok := s.store.artifactGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// BlockGet looks up a block by id.
func (s *Service) BlockGet(ctxID uint64, id uuidx.UUID) (*model.BlockNode, error) {
	if err := s.ctx.allows(ctxID, MethodBlockGet); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	b, ok := s.store.blockGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// BlockMake writes block, or — if a block with the same id already exists
// — succeeds iff its certificate bytes are identical (spec.md §4.5/§8's
// idempotence law) and fails with ErrConflict otherwise. On success it
// also marks every transaction the block contains as canonized and links
// the previous block's Next pointer to the new block.
func (s *Service) BlockMake(ctxID uint64, block model.BlockNode, containedTxIDs []uuidx.UUID) error {
	if err := s.ctx.allows(ctxID, MethodBlockMake); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if existing, ok := s.store.blockGet(block.ID); ok {
		if bytes.Equal(existing.Cert, block.Cert) {
			return nil
		}
		return ErrConflict
	}

	block.Next = uuidx.AllOnes()
	s.store.blocks.ReplaceOrInsert(&block)

	if !block.Previous.IsAllOnes() && !block.Previous.IsZero() {
		if prev, ok := s.store.blockGet(block.Previous); ok {
			prev.Next = block.ID
		}
	}

	for _, txID := range containedTxIDs {
		if node, ok := s.store.txGet(txID); ok {
			node.State = model.Canonized
			s.store.queueUnlink(txID)
			if rec, ok := s.store.artifactGet(node.Artifact); ok {
				rec.LatestHeight = block.Height
				rec.LatestState = model.Canonized
				s.store.artifactPut(rec)
			}
		}
	}
	return nil
}
