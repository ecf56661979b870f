//go:build linux

// File: transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking listening socket. The fd is registered with the reactor like
// any client; Accept is called once per readiness event.

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ListenConfig describes the listening socket.
type ListenConfig struct {
	// Addr is an IP literal; "" or "any" binds the unspecified address.
	Addr      string
	Port      int
	IPVersion int
	CertFile  string
	KeyFile   string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Listener accepts client connections.
type Listener struct {
	fd      int
	addr    *net.TCPAddr
	tls     *tls.Config
	cfg     ListenConfig
	limiter *Limiter
	log     zerolog.Logger
}

// Listen binds and listens. lim may be nil.
func Listen(cfg ListenConfig, lim *Limiter, log zerolog.Logger) (*Listener, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	sa, family, err := bindAddr(cfg)
	if err != nil {
		return nil, err
	}

	var tcfg *tls.Config
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		tcfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("SO_REUSEADDR", err)
	}
	if family == unix.AF_INET6 {
		// Dual stack: v4 clients arrive as mapped addresses.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	l := &Listener{
		fd:      fd,
		addr:    tcpAddr(bound),
		tls:     tcfg,
		cfg:     cfg,
		limiter: lim,
		log:     log.With().Str("component", "listener").Logger(),
	}
	l.log.Info().Str("addr", l.addr.String()).Bool("tls", tcfg != nil).Msg("listening")
	return l, nil
}

func bindAddr(cfg ListenConfig) (unix.Sockaddr, int, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, 0, fmt.Errorf("transport: bad port %d", cfg.Port)
	}
	var ip netip.Addr
	if cfg.Addr != "" && cfg.Addr != "any" {
		var err error
		if ip, err = netip.ParseAddr(cfg.Addr); err != nil {
			return nil, 0, fmt.Errorf("transport: bad addr %q: %w", cfg.Addr, err)
		}
	}
	switch cfg.IPVersion {
	case 4:
		sa := &unix.SockaddrInet4{Port: cfg.Port}
		if ip.IsValid() {
			if !ip.Is4() {
				return nil, 0, fmt.Errorf("transport: %s is not IPv4", ip)
			}
			sa.Addr = ip.As4()
		}
		return sa, unix.AF_INET, nil
	case 6:
		sa := &unix.SockaddrInet6{Port: cfg.Port}
		if ip.IsValid() {
			sa.Addr = ip.As16()
		}
		return sa, unix.AF_INET6, nil
	default:
		return nil, 0, ErrIPVersion
	}
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return &net.TCPAddr{}
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address.
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// Secure reports whether accepted connections run TLS.
func (l *Listener) Secure() bool { return l.tls != nil }

// Accept takes one pending connection. It returns ErrWouldBlock when the
// backlog is empty and ErrRateLimited when the limiter refused the peer; in
// both cases the caller simply rearms the listener.
func (l *Listener) Accept() (*Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN {
		return nil, ErrWouldBlock
	}
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	remote := tcpAddr(sa)
	if ip := remote.IP.String(); !l.limiter.Allow(ip) {
		unix.Close(nfd)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, ip)
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c := newConn(&rawConn{fd: nfd, local: l.addr, remote: remote, writeTimeout: l.cfg.WriteTimeout}, l.tls)
	if err := c.handshake(l.cfg.HandshakeTimeout); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
