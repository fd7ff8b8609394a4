// Package random models the random-device proxy service (spec.md §6.5):
// a tiny service that owns the real /dev/random descriptor and hands out
// random bytes to its clients over IPC, so that sandboxed services never
// need direct access to the device themselves. The device itself is an
// external collaborator (spec.md §1); this package defines the client
// interface the canonization service consumes to allocate new block UUIDs
// (§4.8 step 4, §9's open question: "the random-service path ... is
// assumed but never shown consumed; implementers should ensure the
// block-id allocator is actually wired").
package random

import (
	"crypto/rand"
	"fmt"
	"io"

	"agentd/internal/uuidx"
)

// Client is what a service holds after connecting to the random service
// over its "random-out" descriptor (spec.md §6.5).
type Client interface {
	// Bytes returns n cryptographically random bytes.
	Bytes(n int) ([]byte, error)

	// UUID returns a fresh random UUID, used by canonization to allocate
	// new block ids (§4.8 step 4).
	UUID() (uuidx.UUID, error)
}

// localClient is an in-process Client, used by services under test and by
// the supervisor before the real random-service IPC link is wired. It
// reads from crypto/rand directly, matching the quality guarantee the real
// /dev/random-backed service provides, without requiring a second process
// in unit tests.
type localClient struct{}

func NewLocalClient() Client { return localClient{} }

func (localClient) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	return b, nil
}

func (c localClient) UUID() (uuidx.UUID, error) {
	b, err := c.Bytes(16)
	if err != nil {
		return uuidx.UUID{}, err
	}
	return uuidx.FromBytes(b)
}
