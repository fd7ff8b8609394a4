package dataservice

import (
	"sync"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"

	"agentd/internal/model"
	"agentd/internal/uuidx"
)

func lessTx(a, b *model.TransactionNode) bool       { return uuidx.Less(a.ID, b.ID) }
func lessArtifact(a, b *model.ArtifactRecord) bool  { return uuidx.Less(a.ID, b.ID) }
func lessBlock(a, b *model.BlockNode) bool          { return uuidx.Less(a.ID, b.ID) }

// store is the in-memory collaborator standing in for the out-of-scope
// storage engine (spec.md §1 non-goal): three ordered maps plus a
// global-settings table, guarded by one mutex since every data-service
// fiber serializes through it (spec.md §5's "each child context owned by
// exactly one fiber" policy extends here to the backing store itself).
type store struct {
	mu sync.Mutex

	transactions *btree.BTreeG[*model.TransactionNode]
	artifacts    *btree.BTreeG[*model.ArtifactRecord]
	blocks       *btree.BTreeG[*model.BlockNode]
	globals      map[string][]byte

	// queueHead/queueTail form the global process queue (spec.md §4.5,
	// §4.7): the FIFO of submitted/attested transactions not yet
	// canonized, threaded through TransactionNode.QueueNext. AllOnes marks
	// an empty queue.
	queueHead uuidx.UUID
	queueTail uuidx.UUID

	artifactCache *lru.Cache[uuidx.UUID, *model.ArtifactRecord]
}

func newStore(cacheSize int) *store {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[uuidx.UUID, *model.ArtifactRecord](cacheSize)
	return &store{
		transactions:  btree.NewG(32, lessTx),
		artifacts:     btree.NewG(32, lessArtifact),
		blocks:        btree.NewG(32, lessBlock),
		globals:       make(map[string][]byte),
		queueHead:     uuidx.AllOnes(),
		queueTail:     uuidx.AllOnes(),
		artifactCache: cache,
	}
}

func (s *store) txGet(id uuidx.UUID) (*model.TransactionNode, bool) {
	probe := &model.TransactionNode{ID: id}
	return s.transactions.Get(probe)
}

func (s *store) artifactGet(id uuidx.UUID) (*model.ArtifactRecord, bool) {
	if rec, ok := s.artifactCache.Get(id); ok {
		return rec, true
	}
	probe := &model.ArtifactRecord{ID: id}
	rec, ok := s.artifacts.Get(probe)
	if ok {
		s.artifactCache.Add(id, rec)
	}
	return rec, ok
}

func (s *store) artifactPut(rec *model.ArtifactRecord) {
	s.artifacts.ReplaceOrInsert(rec)
	s.artifactCache.Add(rec.ID, rec)
}

func (s *store) blockGet(id uuidx.UUID) (*model.BlockNode, bool) {
	probe := &model.BlockNode{ID: id}
	return s.blocks.Get(probe)
}

// queuePushTail appends node to the global process queue.
func (s *store) queuePushTail(node *model.TransactionNode) {
	node.QueueNext = uuidx.AllOnes()
	if s.queueHead.IsAllOnes() {
		s.queueHead = node.ID
		s.queueTail = node.ID
		return
	}
	tail, _ := s.txGet(s.queueTail)
	tail.QueueNext = node.ID
	s.queueTail = node.ID
}

// queueUnlink removes id from the global process queue, relinking its
// neighbors. id's own queue-position metadata (QueueNext) is separate
// from its artifact Prev/Next chain links, which are untouched.
func (s *store) queueUnlink(id uuidx.UUID) {
	node, ok := s.txGet(id)
	if !ok {
		return
	}
	next := node.QueueNext
	wasHead := s.queueHead == id
	wasTail := s.queueTail == id

	if wasHead {
		s.queueHead = next
	} else {
		cur := s.queueHead
		for !cur.IsAllOnes() {
			n, ok := s.txGet(cur)
			if !ok {
				break
			}
			if n.QueueNext == id {
				n.QueueNext = next
				break
			}
			cur = n.QueueNext
		}
	}
	if wasTail {
		if wasHead {
			s.queueTail = uuidx.AllOnes()
		} else {
			cur := s.queueHead
			last := uuidx.AllOnes()
			for !cur.IsAllOnes() {
				last = cur
				n, ok := s.txGet(cur)
				if !ok {
					break
				}
				cur = n.QueueNext
			}
			s.queueTail = last
		}
	}
}
