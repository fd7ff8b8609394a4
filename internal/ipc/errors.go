package ipc

import "errors"

// The §7 error taxonomy, as typed sentinels callers can match with
// errors.Is. Distinguishing these lets each fiber decide, per §7's
// propagation policy, whether an error is answerable inline (not-found,
// unauthorized, bad-size) or must be raised to the fiber entry point
// (peer-closed, integrity failure, resource exhaustion).
var (
	// ErrWouldBlock is returned by the cooperative variant when the
	// underlying socket has no data/buffer space ready; safe to retry
	// once the scheduler reports readiness.
	ErrWouldBlock = errors.New("ipc: would block")

	// ErrShortRead indicates the peer closed or a partial frame was
	// read; retryable only if the caller knows more bytes are coming.
	ErrShortRead = errors.New("ipc: short read")

	// ErrPeerClosed indicates the remote end shut down the connection.
	ErrPeerClosed = errors.New("ipc: peer closed")

	// ErrBadType indicates an unrecognized type tag.
	ErrBadType = errors.New("ipc: bad frame type")

	// ErrBadSize indicates a declared length exceeding the per-type
	// maximum, or not matching a fixed-width type's exact width.
	ErrBadSize = errors.New("ipc: bad frame size")

	// ErrIntegrity indicates a MAC verification failure or a non-
	// monotonic IV on an authed frame. Always fatal to the connection.
	ErrIntegrity = errors.New("ipc: integrity check failed")

	// ErrUnauthorized indicates a request denied by capability check.
	ErrUnauthorized = errors.New("ipc: unauthorized")

	// ErrNotFound indicates a queried entity does not exist.
	ErrNotFound = errors.New("ipc: not found")
)
