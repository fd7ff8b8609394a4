// Package attestation implements the attestation service of spec.md §4.7:
// a sleep-tick loop that scans the pending queue, verifies each
// transaction's field validity, sequence, and uniqueness against artifact
// history, and promotes or drops it. Per the Design Notes' explicit open
// question, verifyFields and verifyUnique are fully implemented here, not
// left as stubs.
package attestation

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"agentd/internal/certificate"
	"agentd/internal/dataservice"
	"agentd/internal/model"
	"agentd/internal/uuidx"
)

// DefaultInterval is the default sleep-tick cadence (spec.md §4.7).
const DefaultInterval = 5 * time.Second

// DataClient is the narrow surface the attestation service needs from the
// data service — satisfied structurally by *dataservice.Service, or by a
// fake in tests.
type DataClient interface {
	RootContextCreate() uint64
	ChildContextCreate(parentID uint64, caps model.Capabilities) (uint64, error)
	ChildContextClose(ctxID uint64) error
	TransactionGetFirst(ctxID uint64) (*model.TransactionNode, error)
	TransactionGet(ctxID uint64, id uuidx.UUID) (*model.TransactionNode, error)
	TransactionPromote(ctxID uint64, id uuidx.UUID) error
	TransactionDrop(ctxID uint64, id uuidx.UUID) error
	ArtifactGet(ctxID uint64, id uuidx.UUID) (*model.ArtifactRecord, error)
}

// Service is the attestation service.
type Service struct {
	data   DataClient
	parser certificate.Parser
	clock  clock.Clock
	log    *logrus.Entry

	rootCtx uint64
	caps    model.Capabilities

	interval time.Duration
}

// New constructs an attestation service. clk may be nil to use the real
// wall clock (production); tests inject clock.NewMock() for deterministic
// tick control.
func New(data DataClient, parser certificate.Parser, clk clock.Clock, log *logrus.Entry) *Service {
	if clk == nil {
		clk = clock.New()
	}
	root := data.RootContextCreate()
	caps := model.NewCapabilitiesFrom(dataservice.MethodCount,
		uint(dataservice.MethodTransactionGetFirst),
		uint(dataservice.MethodTransactionGet),
		uint(dataservice.MethodTransactionPromote),
		uint(dataservice.MethodTransactionDrop),
		uint(dataservice.MethodArtifactGet),
		uint(dataservice.MethodBlockGet),
		uint(dataservice.MethodChildContextClose),
	)
	return &Service{
		data:     data,
		parser:   parser,
		clock:    clk,
		log:      log.WithField("service", "attestation"),
		rootCtx:  root,
		caps:     caps,
		interval: DefaultInterval,
	}
}

// Run drives the sleep-tick loop until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				return err
			}
		}
	}
}

// Tick runs one pass of the attestation loop (spec.md §4.7 steps 1–6).
func (s *Service) Tick() error {
	ctxID, err := s.data.ChildContextCreate(s.rootCtx, s.caps)
	if err != nil {
		return err
	}
	defer s.data.ChildContextClose(ctxID)

	head, err := s.data.TransactionGetFirst(ctxID)
	if errors.Is(err, dataservice.ErrNotFound) {
		s.log.Debug("pending queue empty, sleeping")
		return nil
	}
	if err != nil {
		return err
	}
	if head.State != model.Submitted {
		s.log.Debug("head already attested, sleeping")
		return nil
	}

	transactionTree := btree.NewG(32, lessTx)
	artifactTree := btree.NewG(32, lessArtifact)
	defer func() {
		transactionTree.Clear(false)
		artifactTree.Clear(false)
	}()

	node := head
	for {
		if node.State == model.Submitted {
			if err := s.verifyFields(node); err != nil {
				s.log.WithError(err).WithField("tx", node.ID).Warn("field verification failed, dropping")
				s.drop(ctxID, node.ID)
			} else if err := s.verifySequence(ctxID, node, transactionTree); err != nil {
				s.log.WithError(err).WithField("tx", node.ID).Warn("sequence verification failed, dropping")
				s.drop(ctxID, node.ID)
			} else if err := s.verifyUnique(ctxID, node, transactionTree, artifactTree); err != nil {
				s.log.WithError(err).WithField("tx", node.ID).Warn("uniqueness verification failed, dropping")
				s.drop(ctxID, node.ID)
			} else {
				if err := s.data.TransactionPromote(ctxID, node.ID); err != nil {
					return err // promote failure is fatal, per §4.7
				}
				transactionTree.ReplaceOrInsert(node)
				artifactTree.ReplaceOrInsert(&model.ArtifactRecord{ID: node.Artifact, LatestTxID: node.ID})
			}
		}

		if node.QueueNext.IsAllOnes() {
			break
		}
		next, err := s.data.TransactionGet(ctxID, node.QueueNext)
		if errors.Is(err, dataservice.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		node = next
	}
	return nil
}

func (s *Service) drop(ctxID uint64, id uuidx.UUID) {
	if err := s.data.TransactionDrop(ctxID, id); err != nil {
		s.log.WithError(err).WithField("tx", id).Info("drop returned non-zero status, ignoring")
	}
}

func lessTx(a, b *model.TransactionNode) bool { return uuidx.Less(a.ID, b.ID) }

func lessArtifact(a, b *model.ArtifactRecord) bool { return uuidx.Less(a.ID, b.ID) }
