// File: transport/errors.go
// Package transport provides the listening socket and client connections
// driven by the shared reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
)

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "transport: operation would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

// ErrWouldBlock reports an empty socket. It is a temporary net.Error so the
// TLS layer keeps partial records and retries on the next readiness event.
var ErrWouldBlock net.Error = wouldBlock{}

var (
	ErrConnClosed   = errors.New("transport: connection closed")
	ErrReadOverflow = errors.New("transport: receive buffer limit reached")
	ErrRateLimited  = errors.New("transport: connection rate limited")
	ErrIPVersion    = errors.New("transport: ip version must be 4 or 6")
)
