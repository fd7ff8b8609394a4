package dataservice

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"agentd/internal/ipc"
	"agentd/internal/model"
	"agentd/internal/uuidx"
)

// request is the wire envelope for one data-service call (spec.md §4.5:
// "every request carries a child-context id ... a method-specific
// payload"). It is gob-encoded and carried inside a single TypeData
// internal/ipc frame — the frame header already supplies the
// length-delimiting §6.1 demands, so the envelope itself only needs to
// distinguish the method and its arguments.
type request struct {
	Method   Method
	CtxID    uint64
	Offset   uint64 // correlation id, echoed back verbatim (spec.md §4.5)
	Caps     []byte
	Key      string
	Value    []byte
	TxID     uuidx.UUID
	Prev     uuidx.UUID
	Artifact uuidx.UUID
	Cert     []byte
	Block    model.BlockNode
	Contains []uuidx.UUID
}

// response is the wire envelope for a data-service reply: "the invoked
// method id, a correlation offset echoed from the request, a status
// code, and a method-specific payload" (spec.md §4.5).
type response struct {
	Method   Method
	Offset   uint64
	Status   Status
	CtxID    uint64
	Value    []byte
	Tx       *model.TransactionNode
	Artifact *model.ArtifactRecord
	Block    *model.BlockNode
}

func statusFor(err error) Status {
	switch err {
	case nil:
		return StatusOK
	case ErrNotFound:
		return StatusNotFound
	case ErrConflict:
		return StatusConflict
	case ErrUnauthorized:
		return StatusUnauthorized
	case ErrNoContext:
		return StatusNoContext
	default:
		return StatusError
	}
}

func writeEnvelope(w *ipc.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("dataservice: encoding envelope: %w", err)
	}
	return w.WriteData(buf.Bytes())
}

func readEnvelope(r *ipc.Reader, v interface{}) error {
	f, err := r.ReadFrame()
	if err != nil {
		return err
	}
	payload, err := f.Data()
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}

// Server is the data-service front-end's IPC listener: it wraps a Service
// and answers the method-coded request surface of spec.md §4.5 over any
// stream connection (the "request" descriptor of §6.5's data-service
// handoff). This is the realization of the data service as a separate OS
// process rather than an in-process collaborator — the Go method calls on
// Service are what every request below is a wire-level proxy for.
type Server struct {
	svc *Service
	log *logrus.Entry
}

func NewServer(svc *Service, log *logrus.Entry) *Server {
	return &Server{svc: svc, log: log.WithField("service", "dataservice")}
}

// Serve answers requests on conn until it closes or a protocol violation
// occurs, matching internal/random.Server.Serve's shape. A protocol
// violation is fatal to this connection only (spec.md §7): the caller is
// expected to run one Serve per child-context-owning peer.
func (s *Server) Serve(conn net.Conn) error {
	r := ipc.NewReader(conn)
	w := ipc.NewWriter(conn)
	for {
		var req request
		if err := readEnvelope(r, &req); err != nil {
			return err
		}
		resp := s.dispatch(req)
		if err := writeEnvelope(w, resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(req request) response {
	resp := response{Method: req.Method, Offset: req.Offset}
	switch req.Method {
	case MethodRootContextCreate:
		resp.CtxID = s.svc.RootContextCreate()
		resp.Status = StatusOK

	case MethodChildContextCreate:
		caps := model.CapabilitiesFromBytes(MethodCount, req.Caps)
		id, err := s.svc.ChildContextCreate(req.CtxID, caps)
		resp.CtxID = id
		resp.Status = statusFor(err)

	case MethodChildContextClose:
		err := s.svc.ChildContextClose(req.CtxID)
		resp.Status = statusFor(err)

	case MethodReduceCaps:
		caps := model.CapabilitiesFromBytes(MethodCount, req.Caps)
		resp.Status = statusFor(s.svc.ReduceCaps(req.CtxID, caps))

	case MethodGlobalSettingsGet:
		v, err := s.svc.GlobalSettingsGet(req.CtxID, req.Key)
		resp.Value = v
		resp.Status = statusFor(err)

	case MethodGlobalSettingsSet:
		resp.Status = statusFor(s.svc.GlobalSettingsSet(req.CtxID, req.Key, req.Value))

	case MethodTransactionSubmit:
		err := s.svc.TransactionSubmit(req.CtxID, req.TxID, req.Prev, req.Artifact, req.Cert)
		resp.Status = statusFor(err)

	case MethodTransactionGetFirst:
		tx, err := s.svc.TransactionGetFirst(req.CtxID)
		resp.Tx = tx
		resp.Status = statusFor(err)

	case MethodTransactionGet:
		tx, err := s.svc.TransactionGet(req.CtxID, req.TxID)
		resp.Tx = tx
		resp.Status = statusFor(err)

	case MethodTransactionPromote:
		resp.Status = statusFor(s.svc.TransactionPromote(req.CtxID, req.TxID))

	case MethodTransactionDrop:
		resp.Status = statusFor(s.svc.TransactionDrop(req.CtxID, req.TxID))

	case MethodArtifactGet:
		rec, err := s.svc.ArtifactGet(req.CtxID, req.TxID)
		resp.Artifact = rec
		resp.Status = statusFor(err)

	case MethodBlockGet:
		b, err := s.svc.BlockGet(req.CtxID, req.TxID)
		resp.Block = b
		resp.Status = statusFor(err)

	case MethodBlockMake:
		err := s.svc.BlockMake(req.CtxID, req.Block, req.Contains)
		resp.Status = statusFor(err)

	default:
		resp.Status = StatusError
		s.log.WithField("method", req.Method).Warn("unrecognized data-service method")
	}
	return resp
}

// Client is the IPC-backed counterpart to Service, used by attestation,
// canonization, and protocol when the data service runs as a separate OS
// process (the common case: spec.md §6.5 hands each of them a "data-out"
// descriptor connected to one of the data-service handoffs). It exposes
// the same method set as Service itself so it satisfies
// attestation.DataClient, canonization.DataClient, and
// protocol.DataClient without an adapter.
type Client struct {
	r      *ipc.Reader
	w      *ipc.Writer
	offset uint64
}

func NewClient(conn net.Conn) *Client {
	return &Client{r: ipc.NewReader(conn), w: ipc.NewWriter(conn)}
}

func (c *Client) call(req request) (response, error) {
	c.offset++
	req.Offset = c.offset
	if err := writeEnvelope(c.w, req); err != nil {
		return response{}, err
	}
	var resp response
	if err := readEnvelope(c.r, &resp); err != nil {
		return response{}, err
	}
	return resp, statusErr(resp.Status)
}

func statusErr(s Status) error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnauthorized:
		return ErrUnauthorized
	case StatusNotFound:
		return ErrNotFound
	case StatusConflict:
		return ErrConflict
	case StatusNoContext:
		return ErrNoContext
	default:
		return fmt.Errorf("dataservice: request failed with status %s", s)
	}
}

func (c *Client) RootContextCreate() uint64 {
	resp, err := c.call(request{Method: MethodRootContextCreate})
	if err != nil {
		return 0
	}
	return resp.CtxID
}

func (c *Client) ChildContextCreate(parentID uint64, caps model.Capabilities) (uint64, error) {
	resp, err := c.call(request{Method: MethodChildContextCreate, CtxID: parentID, Caps: caps.Bytes()})
	return resp.CtxID, err
}

func (c *Client) ChildContextClose(ctxID uint64) error {
	_, err := c.call(request{Method: MethodChildContextClose, CtxID: ctxID})
	return err
}

func (c *Client) ReduceCaps(ctxID uint64, caps model.Capabilities) error {
	_, err := c.call(request{Method: MethodReduceCaps, CtxID: ctxID, Caps: caps.Bytes()})
	return err
}

func (c *Client) GlobalSettingsGet(ctxID uint64, key string) ([]byte, error) {
	resp, err := c.call(request{Method: MethodGlobalSettingsGet, CtxID: ctxID, Key: key})
	return resp.Value, err
}

func (c *Client) GlobalSettingsSet(ctxID uint64, key string, value []byte) error {
	_, err := c.call(request{Method: MethodGlobalSettingsSet, CtxID: ctxID, Key: key, Value: value})
	return err
}

func (c *Client) TransactionSubmit(ctxID uint64, id, prev, artifact uuidx.UUID, cert []byte) error {
	_, err := c.call(request{Method: MethodTransactionSubmit, CtxID: ctxID, TxID: id, Prev: prev, Artifact: artifact, Cert: cert})
	return err
}

func (c *Client) TransactionGetFirst(ctxID uint64) (*model.TransactionNode, error) {
	resp, err := c.call(request{Method: MethodTransactionGetFirst, CtxID: ctxID})
	return resp.Tx, err
}

func (c *Client) TransactionGet(ctxID uint64, id uuidx.UUID) (*model.TransactionNode, error) {
	resp, err := c.call(request{Method: MethodTransactionGet, CtxID: ctxID, TxID: id})
	return resp.Tx, err
}

func (c *Client) TransactionPromote(ctxID uint64, id uuidx.UUID) error {
	_, err := c.call(request{Method: MethodTransactionPromote, CtxID: ctxID, TxID: id})
	return err
}

func (c *Client) TransactionDrop(ctxID uint64, id uuidx.UUID) error {
	_, err := c.call(request{Method: MethodTransactionDrop, CtxID: ctxID, TxID: id})
	return err
}

func (c *Client) ArtifactGet(ctxID uint64, id uuidx.UUID) (*model.ArtifactRecord, error) {
	resp, err := c.call(request{Method: MethodArtifactGet, CtxID: ctxID, TxID: id})
	return resp.Artifact, err
}

func (c *Client) BlockGet(ctxID uint64, id uuidx.UUID) (*model.BlockNode, error) {
	resp, err := c.call(request{Method: MethodBlockGet, CtxID: ctxID, TxID: id})
	return resp.Block, err
}

func (c *Client) BlockMake(ctxID uint64, block model.BlockNode, containedTxIDs []uuidx.UUID) error {
	_, err := c.call(request{Method: MethodBlockMake, CtxID: ctxID, Block: block, Contains: containedTxIDs})
	return err
}
