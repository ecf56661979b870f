//go:build !linux

// File: transport/transport_other.go
// Author: momentics <momentics@gmail.com>
//
// Stubs for platforms without the raw-socket transport.

package transport

import (
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/api"
)

type ListenConfig struct {
	Addr             string
	Port             int
	IPVersion        int
	CertFile         string
	KeyFile          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type Listener struct{}

func Listen(ListenConfig, *Limiter, zerolog.Logger) (*Listener, error) {
	return nil, api.ErrNotSupported
}

func (*Listener) Fd() int                { return -1 }
func (*Listener) Addr() *net.TCPAddr     { return &net.TCPAddr{} }
func (*Listener) Secure() bool           { return false }
func (*Listener) Accept() (*Conn, error) { return nil, api.ErrNotSupported }
func (*Listener) Close() error           { return nil }

type Conn struct{}

func (*Conn) ID() string                                    { return "" }
func (*Conn) Fd() int                                       { return -1 }
func (*Conn) RemoteAddr() string                            { return "" }
func (*Conn) Secure() bool                                  { return false }
func (*Conn) ReadAvailable(b []byte, _ int) ([]byte, error) { return b, api.ErrNotSupported }
func (*Conn) Write([]byte) (int, error)                     { return 0, api.ErrNotSupported }
func (*Conn) Locked(func(io.Writer) error) error            { return api.ErrNotSupported }
func (*Conn) Close() error                                  { return nil }
