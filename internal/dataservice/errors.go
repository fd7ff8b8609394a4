package dataservice

import "errors"

// Sentinel errors matching spec.md §7's taxonomy as it applies to the
// data service.
var (
	ErrUnauthorized = errors.New("dataservice: method not permitted by context capabilities")
	ErrNotFound     = errors.New("dataservice: entity not found")
	ErrConflict     = errors.New("dataservice: block_make retried with different certificate")
	ErrNoContext    = errors.New("dataservice: unknown child context id")
)
