package notification

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"agentd/internal/ipc"
	"agentd/internal/model"
	"agentd/internal/uuidx"
)

// muxOp distinguishes a control message from an ordinary method call on a
// multiplexed connection. Only the protocol-service link needs
// Register/Unregister — it is the one descriptor (spec.md §6.5's
// "protocol-client" slot) carrying every end-client the protocol service
// has accepted, so client lifecycle has to travel on the wire rather than
// being implied by the connection itself.
type muxOp uint8

const (
	opRequest muxOp = iota
	opRegister
	opUnregister
)

// wireRequest is the envelope for one notification-service call or mux
// control message, gob-encoded inside a single TypeData internal/ipc
// frame (mirroring internal/dataservice/rpc.go's envelope convention).
type wireRequest struct {
	Op       muxOp
	Client   ClientID
	Offset   uint64
	Method   Method
	Caps     []byte
	Asserted uuidx.UUID
}

// wireResponse is the notification-service reply envelope: spec.md §4.6's
// "<method_id, status, offset, payload>" plus the ClientID so a mux
// connection can demultiplex back to the right end client.
type wireResponse struct {
	Client  ClientID
	Method  Method
	Status  Status
	Offset  uint64
	Payload []byte
}

func writeEnvelope(w *ipc.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("notification: encoding envelope: %w", err)
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

// Server answers notification-service requests over IPC connections,
// standing in for the in-process *Service calls used when everything runs
// in one binary. Two shapes of connection are served: a single-client
// control link (canonization's "canonization-client" descriptor) and a
// multiplexed link carrying every client the protocol service manages
// (its "protocol-client" descriptor).
type Server struct {
	svc *Service
	log *logrus.Entry
}

func NewServer(svc *Service, log *logrus.Entry) *Server {
	return &Server{svc: svc, log: log.WithField("service", "notification")}
}

// ServeSingle registers one new client backed by conn and answers its
// requests until conn closes. Used for the canonization-client link,
// where there is exactly one logical caller per connection.
func (s *Server) ServeSingle(id ClientID, conn net.Conn) error {
	w := ipc.NewWriter(conn)
	var mu sync.Mutex
	s.svc.RegisterClient(id, 16, func(resp Response) {
		mu.Lock()
		defer mu.Unlock()
		_ = writeEnvelope(w, wireResponse{Client: id, Method: resp.Method, Status: resp.Status, Offset: resp.Offset, Payload: resp.Payload})
	})
	defer s.svc.UnregisterClient(id)

	r := ipc.NewReader(conn)
	for {
		var req wireRequest
		if err := readEnvelope(r, &req); err != nil {
			return err
		}
		s.dispatch(id, req)
	}
}

// ServeMux answers a protocol-service connection carrying many logical
// end clients, each introduced by an opRegister control message and
// retired by opUnregister (spec.md §6.5's single "protocol-client"
// descriptor fanning out to every accepted client).
func (s *Server) ServeMux(conn net.Conn) error {
	w := ipc.NewWriter(conn)
	var mu sync.Mutex
	send := func(resp wireResponse) {
		mu.Lock()
		defer mu.Unlock()
		_ = writeEnvelope(w, resp)
	}

	r := ipc.NewReader(conn)
	for {
		var req wireRequest
		if err := readEnvelope(r, &req); err != nil {
			return err
		}
		switch req.Op {
		case opRegister:
			client := req.Client
			s.svc.RegisterClient(client, 64, func(resp Response) {
				send(wireResponse{Client: client, Method: resp.Method, Status: resp.Status, Offset: resp.Offset, Payload: resp.Payload})
			})
		case opUnregister:
			s.svc.UnregisterClient(req.Client)
		default:
			s.dispatch(req.Client, req)
		}
	}
}

func (s *Server) dispatch(client ClientID, req wireRequest) {
	switch req.Method {
	case MethodReduceCaps:
		caps := model.CapabilitiesFromBytes(MethodCount, req.Caps)
		s.svc.ReduceCaps(client, req.Offset, caps)
	case MethodBlockUpdate:
		s.svc.BlockUpdate(client, req.Offset, req.Asserted)
	case MethodBlockAssertion:
		s.svc.BlockAssertion(client, req.Offset, req.Asserted)
	case MethodBlockAssertionCancel:
		s.svc.BlockAssertionCancel(client, req.Offset)
	default:
		s.log.WithField("method", req.Method).Warn("unrecognized notification method")
	}
}

// ControlClient is the canonization service's IPC-backed handle onto the
// notification service (its "canonization-client" descriptor, spec.md
// §6.5), satisfying canonization.NotificationClient so canonization's
// call sites are identical whether the notification service runs
// in-process or as a separate OS process.
type ControlClient struct {
	w *ipc.Writer
}

// NewControlClient wraps conn; the caller is expected to also be draining
// conn's responses (e.g. via a background goroutine) if it cares about
// acknowledgements, matching the fire-and-forget shape of canonization's
// BlockUpdate call.
func NewControlClient(conn net.Conn) *ControlClient {
	return &ControlClient{w: ipc.NewWriter(conn)}
}

func (c *ControlClient) BlockUpdate(client ClientID, offset uint64, newID uuidx.UUID) {
	_ = writeEnvelope(c.w, wireRequest{Op: opRequest, Client: client, Offset: offset, Method: MethodBlockUpdate, Asserted: newID})
}

// MuxClient is the protocol service's IPC-backed handle onto the
// notification service when it runs as a separate process: it
// multiplexes every accepted end client over the single "protocol-client"
// descriptor, demultiplexing responses back to each client's own Sender
// by ClientID.
type MuxClient struct {
	mu       sync.Mutex
	w        *ipc.Writer
	senders  map[ClientID]Sender
}

// NewMuxClient wraps conn and starts the background goroutine that reads
// responses and demultiplexes them to each registered Sender. Callers
// must call Close to stop it.
func NewMuxClient(conn net.Conn, log *logrus.Entry) *MuxClient {
	c := &MuxClient{w: ipc.NewWriter(conn), senders: make(map[ClientID]Sender)}
	go c.readLoop(conn, log)
	return c
}

func (c *MuxClient) readLoop(conn net.Conn, log *logrus.Entry) {
	r := ipc.NewReader(conn)
	for {
		var resp wireResponse
		if err := readEnvelope(r, &resp); err != nil {
			log.WithError(err).Debug("notification mux read loop exiting")
			return
		}
		c.mu.Lock()
		sender, ok := c.senders[resp.Client]
		c.mu.Unlock()
		if ok {
			sender(Response{Method: resp.Method, Status: resp.Status, Offset: resp.Offset, Payload: resp.Payload})
		}
	}
}

// RegisterClient mirrors Service.RegisterClient's signature so MuxClient
// can substitute for *Service at protocol's call sites.
func (c *MuxClient) RegisterClient(id ClientID, depth int, send Sender) {
	c.mu.Lock()
	c.senders[id] = send
	c.mu.Unlock()
	_ = writeEnvelope(c.w, wireRequest{Op: opRegister, Client: id})
}

func (c *MuxClient) UnregisterClient(id ClientID) {
	c.mu.Lock()
	delete(c.senders, id)
	c.mu.Unlock()
	_ = writeEnvelope(c.w, wireRequest{Op: opUnregister, Client: id})
}

func (c *MuxClient) ReduceCaps(client ClientID, offset uint64, caps model.Capabilities) {
	_ = writeEnvelope(c.w, wireRequest{Op: opRequest, Client: client, Offset: offset, Method: MethodReduceCaps, Caps: caps.Bytes()})
}

func (c *MuxClient) BlockAssertion(client ClientID, offset uint64, assertedID uuidx.UUID) {
	_ = writeEnvelope(c.w, wireRequest{Op: opRequest, Client: client, Offset: offset, Method: MethodBlockAssertion, Asserted: assertedID})
}

func (c *MuxClient) BlockAssertionCancel(client ClientID, offset uint64) {
	_ = writeEnvelope(c.w, wireRequest{Op: opRequest, Client: client, Offset: offset, Method: MethodBlockAssertionCancel})
}
