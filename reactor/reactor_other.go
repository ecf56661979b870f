//go:build !linux
// +build !linux

// File: reactor/reactor_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without epoll.

package reactor

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/api"
)

// Reactor is unavailable outside Linux.
type Reactor struct{}

// New always fails on this platform.
func New(zerolog.Logger) (*Reactor, error) { return nil, api.ErrNotSupported }

func (*Reactor) Register(int, any) (*Registration, error) { return nil, api.ErrNotSupported }
func (*Reactor) Rearm(*Registration) error                { return api.ErrNotSupported }
func (*Reactor) Deregister(*Registration) error           { return api.ErrNotSupported }
func (*Reactor) Lookup(int) (*Registration, bool)         { return nil, false }
func (*Reactor) Len() int                                 { return 0 }
func (*Reactor) Wait() (*Registration, error)             { return nil, api.ErrNotSupported }
func (*Reactor) Wake() error                              { return api.ErrNotSupported }
func (*Reactor) Close() error                             { return nil }
