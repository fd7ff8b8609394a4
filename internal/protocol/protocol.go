// Package protocol implements the protocol service boundary of spec.md
// §4.9/§4.10: it owns post-handoff client sockets, authenticates them,
// and, on success, opens a data-service child context scoped to the
// client's permitted methods and a notification-service connection
// scoped to its subscription rights.
package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"agentd/internal/dataservice"
	"agentd/internal/ipc"
	"agentd/internal/model"
	"agentd/internal/notification"
	"agentd/internal/uuidx"
)

// Authenticator is the client-facing authenticated-transport handshake,
// explicitly out of scope (spec.md §1, §6.4 non-goal) and represented
// here only as a consumed interface with a minimal pass-through stub so
// the rest of the system has something to call end to end.
type Authenticator interface {
	// Authenticate inspects the freshly accepted connection and returns
	// the capabilities to grant it, or ok=false to reject.
	Authenticate(conn net.Conn) (caps model.Capabilities, notifyCaps model.Capabilities, ok bool)
}

// PassThroughAuthenticator grants every client full capabilities without
// performing any real handshake — explicitly a stand-in, not a claim
// about the real (out-of-scope) authentication transport.
type PassThroughAuthenticator struct{}

func (PassThroughAuthenticator) Authenticate(net.Conn) (model.Capabilities, model.Capabilities, bool) {
	return model.NewCapabilitiesFull(dataservice.MethodCount), model.NewCapabilitiesFull(notification.MethodCount), true
}

// DataClient is the narrow data-service surface the protocol service
// needs to scope a client's context and forward its transaction
// submissions (spec.md §4.9's "forwards authorized requests to data &
// notification services").
type DataClient interface {
	RootContextCreate() uint64
	ChildContextCreate(parentID uint64, caps model.Capabilities) (uint64, error)
	ChildContextClose(ctxID uint64) error
	TransactionSubmit(ctxID uint64, id, prev, artifact uuidx.UUID, cert []byte) error
}

// Notifier is the notification-service surface the protocol service
// drives on behalf of its accepted clients. Both *notification.Service
// (in-process deployment) and *notification.MuxClient (the IPC-backed
// deployment over the "protocol-client" descriptor of spec.md §6.5)
// satisfy it with identical call sites.
type Notifier interface {
	RegisterClient(id notification.ClientID, depth int, send notification.Sender)
	UnregisterClient(id notification.ClientID)
	ReduceCaps(client notification.ClientID, offset uint64, caps model.Capabilities)
	BlockAssertion(client notification.ClientID, offset uint64, assertedID uuidx.UUID)
	BlockAssertionCancel(client notification.ClientID, offset uint64)
}

// Service owns accepted client connections.
type Service struct {
	auth        Authenticator
	data        DataClient
	notify      Notifier
	dataRootCtx uint64
	log         *logrus.Entry

	clientIDMu   sync.Mutex
	nextClientID notification.ClientID
}

// New constructs a protocol service.
func New(auth Authenticator, data DataClient, notify Notifier, log *logrus.Entry) *Service {
	return &Service{
		auth:         auth,
		data:         data,
		notify:       notify,
		dataRootCtx:  data.RootContextCreate(),
		log:          log.WithField("service", "protocol"),
		nextClientID: notification.ReservedClientIDs - 1,
	}
}

// ClientSession is a single authorized client's data/notification scope.
// writeMu serializes Writer across the notification Sender goroutine
// (spec.md §4.6's per-client delivery) and Serve's own inline responses,
// since both share one outbound socket.
type ClientSession struct {
	Conn      net.Conn
	DataCtxID uint64
	NotifyID  notification.ClientID
	Reader    *ipc.Reader
	Writer    *ipc.Writer
	writeMu   *sync.Mutex
}

// Close releases the session's data-service context and notification
// registration.
func (s *Service) Close(sess *ClientSession) {
	_ = s.data.ChildContextClose(sess.DataCtxID)
	s.notify.UnregisterClient(sess.NotifyID)
	_ = sess.Conn.Close()
}

// Accept processes one connection forwarded by the listener service:
// authenticates it and, on success, wires its scoped data/notification
// access.
func (s *Service) Accept(ctx context.Context, conn net.Conn) (*ClientSession, error) {
	caps, notifyCaps, ok := s.auth.Authenticate(conn)
	if !ok {
		_ = conn.Close()
		return nil, errUnauthenticated
	}

	dataCtxID, err := s.data.ChildContextCreate(s.dataRootCtx, caps)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.clientIDMu.Lock()
	s.nextClientID++
	clientID := s.nextClientID
	s.clientIDMu.Unlock()
	writer := ipc.NewWriter(conn)
	var writeMu sync.Mutex
	s.notify.RegisterClient(clientID, 64, func(resp notification.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = writer.WriteU64(uint64(resp.Method))
		_ = writer.WriteU8(uint8(resp.Status))
		_ = writer.WriteU64(resp.Offset)
		_ = writer.WriteData(resp.Payload)
	})
	s.notify.ReduceCaps(clientID, 0, notifyCaps)

	return &ClientSession{
		Conn:      conn,
		DataCtxID: dataCtxID,
		NotifyID:  clientID,
		Reader:    ipc.NewReader(conn),
		Writer:    writer,
		writeMu:   &writeMu,
	}, nil
}

// realm distinguishes which collaborator a client request targets. The
// client-facing wire grammar itself is out of scope (spec.md §6.4); this
// is only the minimal internal tagging protocol needs to route an
// authorized request to data or notification once it has been
// authenticated.
type realm uint8

const (
	realmTransactionSubmit realm = iota
	realmReduceCaps
	realmBlockAssertion
	realmBlockAssertionCancel
)

// Serve reads requests off sess until it closes or ctx is canceled,
// forwarding each to the data service or the notification service per
// spec.md §4.9 ("the protocol service ... forwards authorized requests to
// data & notification services"). It returns when the connection closes;
// callers run one Serve per accepted client.
func (s *Service) Serve(ctx context.Context, sess *ClientSession) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tag, err := sess.Reader.ReadFrame()
		if err != nil {
			return err
		}
		r, err := tag.U8()
		if err != nil {
			return err
		}

		offFrame, err := sess.Reader.ReadFrame()
		if err != nil {
			return err
		}
		offset, err := offFrame.U64()
		if err != nil {
			return err
		}

		switch realm(r) {
		case realmTransactionSubmit:
			if err := s.serveTransactionSubmit(sess, offset); err != nil {
				return err
			}
		case realmReduceCaps:
			capsFrame, err := sess.Reader.ReadFrame()
			if err != nil {
				return err
			}
			raw, err := capsFrame.Data()
			if err != nil {
				return err
			}
			s.notify.ReduceCaps(sess.NotifyID, offset, model.CapabilitiesFromBytes(notification.MethodCount, raw))
		case realmBlockAssertion:
			idFrame, err := sess.Reader.ReadFrame()
			if err != nil {
				return err
			}
			raw, err := idFrame.Data()
			if err != nil {
				return err
			}
			asserted, err := uuidx.FromBytes(raw)
			if err != nil {
				return err
			}
			s.notify.BlockAssertion(sess.NotifyID, offset, asserted)
		case realmBlockAssertionCancel:
			s.notify.BlockAssertionCancel(sess.NotifyID, offset)
		default:
			s.log.WithField("realm", r).Warn("unrecognized client request realm")
		}
	}
}

func (s *Service) serveTransactionSubmit(sess *ClientSession, offset uint64) error {
	idF, err := sess.Reader.ReadFrame()
	if err != nil {
		return err
	}
	prevF, err := sess.Reader.ReadFrame()
	if err != nil {
		return err
	}
	artifactF, err := sess.Reader.ReadFrame()
	if err != nil {
		return err
	}
	certF, err := sess.Reader.ReadFrame()
	if err != nil {
		return err
	}

	idB, err := idF.Data()
	if err != nil {
		return err
	}
	prevB, err := prevF.Data()
	if err != nil {
		return err
	}
	artifactB, err := artifactF.Data()
	if err != nil {
		return err
	}
	cert, err := certF.Data()
	if err != nil {
		return err
	}

	id, err := uuidx.FromBytes(idB)
	if err != nil {
		return err
	}
	prev, err := uuidx.FromBytes(prevB)
	if err != nil {
		return err
	}
	artifact, err := uuidx.FromBytes(artifactB)
	if err != nil {
		return err
	}

	submitErr := s.data.TransactionSubmit(sess.DataCtxID, id, prev, artifact, cert)
	status := uint8(0)
	if submitErr != nil {
		status = 1
		s.log.WithError(submitErr).Warn("transaction submit rejected")
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.Writer.WriteU64(uint64(realmTransactionSubmit)); err != nil {
		return err
	}
	if err := sess.Writer.WriteU8(status); err != nil {
		return err
	}
	return sess.Writer.WriteU64(offset)
}
