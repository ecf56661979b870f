//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) reactor. A single epoll instance is shared by every worker;
// descriptors are registered EPOLLONESHOT so each readiness event reaches
// exactly one worker, and an eventfd registered level-triggered wakes all of
// them at once.

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-chat/core/concurrency"
)

const oneShotEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Reactor is the epoll-based EventReactor.
type Reactor struct {
	epfd   int
	wakefd int
	regs   *concurrency.Table[Registration]
	closed atomic.Bool
	log    zerolog.Logger
}

var _ EventReactor = (*Reactor)(nil)

// New creates the shared epoll instance together with its wake descriptor.
func New(log zerolog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		regs:   concurrency.NewTable[Registration](concurrency.DefaultTableSize),
		log:    log.With().Str("component", "reactor").Logger(),
	}, nil
}

// Register adds fd with one-shot read interest.
func (r *Reactor) Register(fd int, data any) (*Registration, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	reg := &Registration{Fd: fd, Data: data, Events: oneShotEvents, OneShot: true}
	if !r.regs.Insert(uint64(fd), reg) {
		return nil, fmt.Errorf("register fd %d: already registered", fd)
	}
	ev := unix.EpollEvent{Events: reg.Events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.regs.Take(uint64(fd))
		return nil, fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	r.log.Trace().Int("fd", fd).Msg("registered")
	return reg, nil
}

// Rearm re-enables a one-shot registration after its event was handled.
func (r *Reactor) Rearm(reg *Registration) error {
	if reg.Removed() {
		return ErrNotRegistered
	}
	ev := unix.EpollEvent{Events: reg.Events, Fd: int32(reg.Fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, reg.Fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod %d: %w", reg.Fd, err)
	}
	return nil
}

// Deregister removes reg from epoll and the registration table. Calling it
// twice is harmless; only the first call has an effect.
func (r *Reactor) Deregister(reg *Registration) error {
	if !reg.removed.CompareAndSwap(false, true) {
		return nil
	}
	if cur, ok := r.regs.Get(uint64(reg.Fd)); ok && cur == reg {
		r.regs.Take(uint64(reg.Fd))
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, reg.Fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll ctl del %d: %w", reg.Fd, err)
	}
	r.log.Trace().Int("fd", reg.Fd).Msg("deregistered")
	return nil
}

// Lookup resolves a registered descriptor.
func (r *Reactor) Lookup(fd int) (*Registration, bool) {
	return r.regs.Get(uint64(fd))
}

// Len returns the number of live registrations.
func (r *Reactor) Len() int {
	return r.regs.Len()
}

// Wait blocks for exactly one ready registration.
func (r *Reactor) Wait() (*Registration, error) {
	var events [1]unix.EpollEvent
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		n, err := unix.EpollWait(r.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if r.closed.Load() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("epoll wait: %w", err)
		}
		if n == 0 {
			continue
		}
		fd := int(events[0].Fd)
		if fd == r.wakefd {
			return nil, ErrWoken
		}
		reg, ok := r.regs.Get(uint64(fd))
		if !ok {
			// Raced with Deregister; the one-shot interest is already spent.
			continue
		}
		return reg, nil
	}
}

// Wake signals the level-triggered eventfd. It is never drained, so every
// worker blocked in Wait, now or later, returns ErrWoken.
func (r *Reactor) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(r.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close releases the epoll instance and the wake descriptor.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.regs.Clear()
	err := unix.Close(r.wakefd)
	if cerr := unix.Close(r.epfd); err == nil {
		err = cerr
	}
	return err
}
