// Package notification implements the notification service of spec.md
// §4.6: latest-block broadcast, conditional block-id assertions, and
// per-client capability reduction. It is the central subsystem for the
// §8 testable properties around assertion correctness and per-client
// ordering.
package notification

import (
	"context"
	"sync"

	"agentd/internal/fiber"
	"agentd/internal/model"
	"agentd/internal/uuidx"
)

// Method identifies a notification-service request (spec.md §4.6 table).
type Method uint8

const (
	MethodReduceCaps Method = iota
	MethodBlockUpdate
	MethodBlockAssertion
	MethodBlockAssertionCancel
)

// MethodCount sizes every client's capability bitset.
const MethodCount = uint(MethodBlockAssertionCancel) + 1

func (m Method) String() string {
	switch m {
	case MethodReduceCaps:
		return "reduce-caps"
	case MethodBlockUpdate:
		return "block-update"
	case MethodBlockAssertion:
		return "block-assertion"
	case MethodBlockAssertionCancel:
		return "block-assertion-cancel"
	default:
		return "unknown"
	}
}

// Status mirrors spec.md §4.6/§7's distinguished response statuses.
type Status uint8

const (
	StatusOK Status = iota
	StatusUnauthorized
)

// Response is what the service emits on a client's outbound socket —
// spec.md §4.6's "<method_id, status, offset, payload>".
type Response struct {
	Method  Method
	Status  Status
	Offset  uint64
	Payload []byte
}

// ClientID identifies a registered connection.
type ClientID uint64

// ClientCanonization is the fixed ClientID the canonization service
// registers under on its single persistent "canonization-client" link
// (spec.md §6.5). Protocol-service end clients get dynamically assigned
// IDs starting well above this reserved range (see protocol.New).
const ClientCanonization ClientID = 1

// ReservedClientIDs is the first ClientID dynamic allocators (the
// protocol service, mux clients) must start from, leaving room below it
// for fixed single-purpose clients like ClientCanonization.
const ReservedClientIDs ClientID = 100

type assertionKey struct {
	client ClientID
	offset uint64
}

type clientEntry struct {
	caps    model.Capabilities
	mailbox *fiber.Mailbox[Response]
}

// Service owns the latest-block id, every client's capability bitset, and
// the outstanding-assertion set, all mutated under one mutex — the Go
// realization of spec.md §5's "touched only by the service's own main
// fiber; all mutation is serialized".
type Service struct {
	mu         sync.Mutex
	latest     uuidx.UUID
	clients    map[ClientID]*clientEntry
	assertions map[assertionKey]uuidx.UUID

	quiesceCtx context.Context
	quiesce    context.CancelFunc
}

// New constructs a notification service with latest-block-id = zero UUID.
func New() *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		latest:     uuidx.Zero(),
		clients:    make(map[ClientID]*clientEntry),
		assertions: make(map[assertionKey]uuidx.UUID),
		quiesceCtx: ctx,
		quiesce:    cancel,
	}
}

// Quiesce unblocks every pending delivery (spec.md §4.2/§5's quiesce
// phase): a send that was blocked waiting for a full client mailbox
// abandons delivery instead of holding the service up forever.
func (s *Service) Quiesce() {
	s.quiesce()
}

// Sender delivers a Response to its client, e.g. by encoding it onto that
// client's internal/ipc.Writer. RegisterClient spawns one goroutine per
// client draining its mailbox into send — the single-writer-per-socket
// discipline that gives per-client FIFO delivery (spec.md §4.6's ordering
// guarantee) for free from Go channel semantics.
type Sender func(Response)

// RegisterClient adds a client with full capabilities and starts its
// outbound delivery goroutine. depth bounds how far the service can get
// ahead of a slow client before Dispatch blocks.
func (s *Service) RegisterClient(id ClientID, depth int, send Sender) {
	mb := fiber.NewMailbox[Response](depth)
	s.mu.Lock()
	s.clients[id] = &clientEntry{caps: model.NewCapabilitiesFull(MethodCount), mailbox: mb}
	s.mu.Unlock()

	go func() {
		for resp := range mb.Chan() {
			send(resp)
		}
	}()
}

// UnregisterClient removes a client and stops its delivery goroutine.
func (s *Service) UnregisterClient(id ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	for k := range s.assertions {
		if k.client == id {
			delete(s.assertions, k)
		}
	}
}

// send delivers resp to id's mailbox, blocking (bounded by Quiesce) when
// the mailbox is full rather than silently dropping it — a full mailbox
// means a slow client, and a correctness-critical response (e.g. a
// block-update invalidation, §8 property 4) must still arrive once the
// client drains, not vanish. Called with s.mu held: the service's single
// mutex is the Go stand-in for spec.md §4.3's single cooperative fiber,
// so blocking here suspends the whole service's "fiber" exactly as a
// real mailbox-send suspension point would.
func (s *Service) send(id ClientID, resp Response) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	_ = c.mailbox.Send(s.quiesceCtx, resp)
}

// LatestBlockID returns the current latest-block id (test/inspection
// helper).
func (s *Service) LatestBlockID() uuidx.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// ReduceCaps intersects caps into client's capability bitset
// (non-reversible, spec.md §4.6 method 0x00).
func (s *Service) ReduceCaps(client ClientID, offset uint64, caps model.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[client]
	if !ok {
		return
	}
	if !c.caps.Allows(uint(MethodReduceCaps)) {
		s.send(client, Response{Method: MethodReduceCaps, Status: StatusUnauthorized, Offset: offset})
		return
	}
	c.caps.Reduce(caps)
	s.send(client, Response{Method: MethodReduceCaps, Status: StatusOK, Offset: offset})
}

// BlockUpdate sets the latest-block-id, then invalidates and removes every
// outstanding assertion whose asserted id now differs (spec.md §4.6
// method 0x01).
func (s *Service) BlockUpdate(client ClientID, offset uint64, newID uuidx.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[client]
	if !ok {
		return
	}
	if !c.caps.Allows(uint(MethodBlockUpdate)) {
		s.send(client, Response{Method: MethodBlockUpdate, Status: StatusUnauthorized, Offset: offset})
		return
	}

	s.latest = newID
	for k, assertedID := range s.assertions {
		if assertedID != newID {
			delete(s.assertions, k)
			s.send(k.client, Response{Method: MethodBlockAssertion, Status: StatusOK, Offset: k.offset})
		}
	}
	s.send(client, Response{Method: MethodBlockUpdate, Status: StatusOK, Offset: offset})
}

// BlockAssertion emits an immediate invalidation if assertedID differs
// from the current latest; otherwise records the assertion (spec.md §4.6
// method 0x02).
func (s *Service) BlockAssertion(client ClientID, offset uint64, assertedID uuidx.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[client]
	if !ok {
		return
	}
	if !c.caps.Allows(uint(MethodBlockAssertion)) {
		s.send(client, Response{Method: MethodBlockAssertion, Status: StatusUnauthorized, Offset: offset})
		return
	}

	if assertedID != s.latest {
		s.send(client, Response{Method: MethodBlockAssertion, Status: StatusOK, Offset: offset})
		return
	}
	s.assertions[assertionKey{client: client, offset: offset}] = assertedID
}

// BlockAssertionCancel removes the caller's assertion if present and
// always emits a cancel response at that offset (spec.md §4.6 method
// 0x03).
func (s *Service) BlockAssertionCancel(client ClientID, offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[client]
	if !ok {
		return
	}
	if !c.caps.Allows(uint(MethodBlockAssertionCancel)) {
		s.send(client, Response{Method: MethodBlockAssertionCancel, Status: StatusUnauthorized, Offset: offset})
		return
	}

	delete(s.assertions, assertionKey{client: client, offset: offset})
	s.send(client, Response{Method: MethodBlockAssertionCancel, Status: StatusOK, Offset: offset, Payload: nil})
}
