// Package canonization implements the canonization service of spec.md
// §4.8: periodically drains attested transactions, builds and signs a
// block, persists it, and notifies subscribers of the new latest-block
// id.
package canonization

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"agentd/internal/certificate"
	"agentd/internal/dataservice"
	"agentd/internal/model"
	"agentd/internal/notification"
	"agentd/internal/random"
	"agentd/internal/uuidx"
)

// DataClient is the narrow data-service surface canonization needs.
type DataClient interface {
	RootContextCreate() uint64
	ChildContextCreate(parentID uint64, caps model.Capabilities) (uint64, error)
	ChildContextClose(ctxID uint64) error
	GlobalSettingsGet(ctxID uint64, key string) ([]byte, error)
	GlobalSettingsSet(ctxID uint64, key string, value []byte) error
	TransactionGetFirst(ctxID uint64) (*model.TransactionNode, error)
	TransactionGet(ctxID uint64, id uuidx.UUID) (*model.TransactionNode, error)
	BlockGet(ctxID uint64, id uuidx.UUID) (*model.BlockNode, error)
	BlockMake(ctxID uint64, block model.BlockNode, containedTxIDs []uuidx.UUID) error
}

// NotificationClient is the narrow notification-service surface
// canonization needs to announce a new latest block.
type NotificationClient interface {
	BlockUpdate(client notification.ClientID, offset uint64, newID uuidx.UUID)
}

// Config carries the two tunables named in spec.md §4.8.
type Config struct {
	BlockMaxMilliseconds int
	BlockMaxTransactions int
}

// DefaultConfig matches a conservative production cadence.
func DefaultConfig() Config {
	return Config{BlockMaxMilliseconds: 1000, BlockMaxTransactions: 500}
}

// Service is the canonization service.
type Service struct {
	data         DataClient
	notify       NotificationClient
	notifyClient notification.ClientID
	randomClient random.Client
	signer       certificate.Signer
	clock        clock.Clock
	log          *logrus.Entry
	cfg          Config

	rootCtx uint64
	caps    model.Capabilities
}

// New constructs a canonization service.
func New(data DataClient, notify NotificationClient, notifyClient notification.ClientID, rnd random.Client, signer certificate.Signer, clk clock.Clock, log *logrus.Entry, cfg Config) *Service {
	if clk == nil {
		clk = clock.New()
	}
	root := data.RootContextCreate()
	caps := model.NewCapabilitiesFrom(dataservice.MethodCount,
		uint(dataservice.MethodGlobalSettingsGet),
		uint(dataservice.MethodGlobalSettingsSet),
		uint(dataservice.MethodTransactionGetFirst),
		uint(dataservice.MethodTransactionGet),
		uint(dataservice.MethodBlockGet),
		uint(dataservice.MethodBlockMake),
		uint(dataservice.MethodChildContextClose),
	)
	return &Service{
		data:         data,
		notify:       notify,
		notifyClient: notifyClient,
		randomClient: rnd,
		signer:       signer,
		clock:        clk,
		log:          log.WithField("service", "canonization"),
		cfg:          cfg,
		rootCtx:      root,
		caps:         caps,
	}
}

func (s *Service) interval() time.Duration {
	ms := s.cfg.BlockMaxMilliseconds
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// Run drives the tick loop until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval())
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

// Tick runs one pass of the canonization loop (spec.md §4.8 steps 1–7).
func (s *Service) Tick() error {
	ctxID, err := s.data.ChildContextCreate(s.rootCtx, s.caps)
	if err != nil {
		return err
	}
	defer s.data.ChildContextClose(ctxID)

	latestBytes, err := s.data.GlobalSettingsGet(ctxID, model.GlobalSettingsLatestBlockKey)
	var latestID uuidx.UUID
	if errors.Is(err, dataservice.ErrNotFound) {
		latestID = uuidx.Zero()
	} else if err != nil {
		return err
	} else {
		latestID, err = uuidx.FromBytes(latestBytes)
		if err != nil {
			return err
		}
	}

	var prevSig []byte
	var prevHeight uint64
	if !latestID.IsZero() {
		prevBlock, err := s.data.BlockGet(ctxID, latestID)
		if err != nil {
			return err
		}
		prevHeight = prevBlock.Height
		if cert, perr := (certificate.TLVParser{}).Parse(prevBlock.Cert); perr == nil {
			if sig, ok := cert.Field(certificate.FieldSignature); ok {
				prevSig = sig
			}
		}
	}

	maxTxns := s.cfg.BlockMaxTransactions
	if maxTxns <= 0 {
		maxTxns = 500
	}

	var collected []*model.TransactionNode
	head, err := s.data.TransactionGetFirst(ctxID)
	if errors.Is(err, dataservice.ErrNotFound) {
		s.log.Debug("pending queue empty, sleeping")
		return nil
	}
	if err != nil {
		return err
	}

	node := head
	for {
		if node.State == model.Attested {
			collected = append(collected, node)
			if len(collected) >= maxTxns {
				break
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

	if len(collected) == 0 {
		s.log.Debug("no attested transactions, sleeping")
		return nil
	}

	blockID, err := s.randomClient.UUID()
	if err != nil {
		return err
	}

	fields := map[certificate.FieldTag][]byte{
		certificate.FieldCertVersion:     {1},
		certificate.FieldTimestamp:       beUint64(uint64(s.clock.Now().Unix())),
		certificate.FieldCryptoSuite:     {certificate.CryptoSuiteSecp256k1},
		certificate.FieldCertType:        certificate.CertTypeTransactionBlock().Bytes(),
		certificate.FieldBlockID:         blockID.Bytes(),
		certificate.FieldPreviousBlockID: latestID.Bytes(),
		certificate.FieldBlockHeight:     beUint64(prevHeight + 1),
		certificate.FieldSignerID:        s.signer.PublicKey(),
	}
	if prevSig != nil {
		fields[certificate.FieldPreviousBlockSignature] = prevSig
	}
	var containedIDs []uuidx.UUID
	for i, tx := range collected {
		fields[containedTxTag(i)] = tx.ID.Bytes()
		containedIDs = append(containedIDs, tx.ID)
	}

	body := certificate.SignedBody(fields)
	sig, err := s.signer.Sign(body)
	if err != nil {
		return err
	}
	fields[certificate.FieldSignature] = sig
	certBytes := certificate.SignedBody(fields)

	block := model.BlockNode{
		ID:        blockID,
		Previous:  latestID,
		FirstTxID: collected[0].ID,
		Height:    prevHeight + 1,
		Cert:      certBytes,
	}

	if err := s.data.BlockMake(ctxID, block, containedIDs); err != nil {
		return err
	}

	if err := s.data.GlobalSettingsSet(ctxID, model.GlobalSettingsLatestBlockKey, blockID.Bytes()); err != nil {
		return err
	}

	s.notify.BlockUpdate(s.notifyClient, 0, blockID)
	return nil
}

// containedTxTagBase starts well above certificate's own field tags so a
// block's repeated FieldContainedTransaction entries (one per contained
// transaction, spec.md §4.8 step 5) don't collide with the fixed fields —
// the TLV stand-in has no native repeated-field support, so each entry
// gets a distinct synthetic tag instead.
const containedTxTagBase = certificate.FieldTag(1000)

func containedTxTag(i int) certificate.FieldTag {
	return containedTxTagBase + certificate.FieldTag(i)
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
