package fiber

import "context"

// Mailbox is a typed FIFO channel with per-address delivery ordering
// (spec.md §4.3/§5: "Mailboxes are typed FIFO channels with per-address
// delivery ordering"). A Go buffered channel already gives single-sender
// FIFO for free; Mailbox exists to name the concept at call sites and to
// give Send a context-aware, quiesce-compatible blocking form instead of a
// bare channel send that could deadlock against a stuck receiver forever.
type Mailbox[T any] struct {
	ch chan T
}

// NewMailbox creates a mailbox with the given buffer depth. A depth of 0
// yields a synchronous rendezvous mailbox (sender blocks for a receiver).
func NewMailbox[T any](depth int) *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, depth)}
}

// Send delivers msg, suspending the calling fiber until the mailbox has
// room or ctx is done — the "suspendable only at explicit ... mailbox ...
// points" contract of §4.3.
func (m *Mailbox[T]) Send(ctx context.Context, msg T) error {
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers msg without blocking, reporting ok=false if the
// mailbox is full.
func (m *Mailbox[T]) TrySend(msg T) (ok bool) {
	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

// Receive suspends until a message is available or ctx is done.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Chan exposes the underlying channel for use in a multi-way select
// alongside a fiber's Control channel — the idiomatic way a fiber
// suspends at "either I/O or mailbox or yield", all via one select
// statement.
func (m *Mailbox[T]) Chan() <-chan T { return m.ch }
