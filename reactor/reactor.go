// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral types of the shared one-shot event reactor.

package reactor

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrWoken is returned by Wait after Wake was called.
	ErrWoken = errors.New("reactor: woken")
	// ErrClosed is returned once the reactor has been closed.
	ErrClosed = errors.New("reactor: closed")
	// ErrNotRegistered is returned for descriptors unknown to the reactor.
	ErrNotRegistered = errors.New("reactor: fd not registered")
)

// Status is what an event handler tells the worker to do next.
type Status int

const (
	// StatusOK rearms the one-shot registration.
	StatusOK Status = iota
	// StatusClose tears the registration and its owner down.
	StatusClose
	// StatusError is logged, then treated like StatusClose.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusClose:
		return "close"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Registration is one descriptor's interest in the reactor.
type Registration struct {
	Fd      int
	Data    any
	Events  uint32
	OneShot bool

	removed atomic.Bool
}

// Removed reports whether the registration has been deregistered.
func (r *Registration) Removed() bool {
	return r.removed.Load()
}

// Registrar is the subset of the reactor that event producers need.
type Registrar interface {
	Register(fd int, data any) (*Registration, error)
	Rearm(reg *Registration) error
	Deregister(reg *Registration) error
}

// EventReactor is the full contract shared by worker threads.
type EventReactor interface {
	Registrar

	// Wait blocks until one registration is ready and returns it. One-shot
	// registrations stay disabled until Rearm is called.
	Wait() (*Registration, error)

	// Wake makes every blocked and future Wait call return ErrWoken.
	Wake() error

	// Lookup resolves a registered descriptor.
	Lookup(fd int) (*Registration, bool)

	Close() error
}
