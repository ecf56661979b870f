//go:build linux

// File: transport/conn_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client connection over a raw non-blocking socket. Readiness comes from the
// shared reactor, so reads never park: an empty socket surfaces as
// ErrWouldBlock. Writes wait on poll(2) for at most WriteTimeout.

package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// rawConn adapts a socket fd to net.Conn so crypto/tls can sit on top.
type rawConn struct {
	fd     int
	local  net.Addr
	remote net.Addr

	// readWait > 0 makes reads block up to that long; used during the TLS
	// handshake, whose errors are sticky.
	readWait     time.Duration
	writeTimeout time.Duration
}

func (c *rawConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n == 0 && len(p) > 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if c.readWait <= 0 {
				return 0, ErrWouldBlock
			}
			if err := waitFD(c.fd, unix.POLLIN, c.readWait); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("read fd %d: %w", c.fd, err)
		}
	}
}

func (c *rawConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		switch {
		case err == nil:
			total += n
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			if err := waitFD(c.fd, unix.POLLOUT, c.writeTimeout); err != nil {
				return total, err
			}
		default:
			return total, fmt.Errorf("write fd %d: %w", c.fd, err)
		}
	}
	return total, nil
}

func (c *rawConn) Close() error                     { return unix.Close(c.fd) }
func (c *rawConn) LocalAddr() net.Addr              { return c.local }
func (c *rawConn) RemoteAddr() net.Addr             { return c.remote }
func (c *rawConn) SetDeadline(time.Time) error      { return nil }
func (c *rawConn) SetReadDeadline(time.Time) error  { return nil }
func (c *rawConn) SetWriteDeadline(time.Time) error { return nil }

func waitFD(fd int, events int16, timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll fd %d: %w", fd, err)
		}
		if n == 0 {
			return os.ErrDeadlineExceeded
		}
		return nil
	}
}

// Conn is one accepted client connection.
type Conn struct {
	id  uuid.UUID
	raw *rawConn
	tls *tls.Conn
	rw  io.ReadWriter

	// wmu serializes writes; broadcasts from other workers take it too.
	wmu    sync.Mutex
	closed atomic.Bool
}

func newConn(raw *rawConn, tcfg *tls.Config) *Conn {
	c := &Conn{id: uuid.New(), raw: raw, rw: raw}
	if tcfg != nil {
		c.tls = tls.Server(raw, tcfg)
		c.rw = c.tls
	}
	return c
}

// handshake runs the TLS server handshake with blocking reads bounded by d.
func (c *Conn) handshake(d time.Duration) error {
	if c.tls == nil {
		return nil
	}
	c.raw.readWait = d
	defer func() { c.raw.readWait = 0 }()
	if err := c.tls.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

// ID is the correlation id used in logs.
func (c *Conn) ID() string { return c.id.String() }

// Fd returns the socket descriptor registered with the reactor.
func (c *Conn) Fd() int { return c.raw.fd }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if c.raw.remote == nil {
		return ""
	}
	return c.raw.remote.String()
}

// Secure reports whether the connection runs over TLS.
func (c *Conn) Secure() bool { return c.tls != nil }

// ReadAvailable appends everything readable right now to buf, draining
// records TLS already buffered, and stops at would-block. io.EOF is returned
// together with any bytes read before the peer closed. limit caps len(buf).
func (c *Conn) ReadAvailable(buf []byte, limit int) ([]byte, error) {
	for {
		if len(buf) == cap(buf) {
			if limit > 0 && len(buf) >= limit {
				return buf, ErrReadOverflow
			}
			buf = slices.Grow(buf, max(4096, len(buf)))
		}
		n, err := c.rw.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			return buf, nil
		default:
			return buf, err
		}
	}
}

// Write sends p in full under the write lock.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return 0, ErrConnClosed
	}
	return c.rw.Write(p)
}

// Locked runs fn with the write lock held, for multi-part writes that must
// not interleave with other senders.
func (c *Conn) Locked(fn func(w io.Writer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	return fn(c.rw)
}

// Close shuts the connection down once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.tls != nil {
		c.raw.writeTimeout = 100 * time.Millisecond
		_ = c.tls.CloseWrite()
	}
	return c.raw.Close()
}
