package protocol

import "errors"

var errUnauthenticated = errors.New("protocol: client failed authentication")
