// File: server/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client lifecycle: accept, read, protocol dispatch by connection state, and
// teardown. A client's read events are serialized by the one-shot
// registration, so only its owning worker touches the parsing state; other
// workers reach it only through conn writes and the account it is bound to.

package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/internal/chat"
	"github.com/momentics/hioload-chat/internal/session"
	"github.com/momentics/hioload-chat/protocol"
	"github.com/momentics/hioload-chat/reactor"
	"github.com/momentics/hioload-chat/transport"
)

type client struct {
	conn *transport.Conn
	log  zerolog.Logger

	state   protocol.State
	buf     []byte
	pending *protocol.Message
	dec     protocol.Decoder

	sess *session.Session
	acct atomic.Pointer[account]
}

// account is a logged-in user with every client currently bound to it.
type account struct {
	mu       sync.Mutex
	user     db.User
	clients  []*client
	presence chat.Presence
}

func (a *account) snapshot() db.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

func (a *account) view() chat.UserView {
	return chat.UserView{User: a.snapshot(), Status: a.presence.Status().String()}
}

func (a *account) update(fn func(u *db.User)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.user)
}

func (s *Server) onAccept(w *worker, _ *event) reactor.Status {
	for {
		conn, err := s.listener.Accept()
		switch {
		case errors.Is(err, transport.ErrWouldBlock):
			return reactor.StatusOK
		case errors.Is(err, transport.ErrRateLimited):
			continue
		case err != nil:
			w.log.Warn().Err(err).Msg("accept")
			return reactor.StatusOK
		}
		s.addClient(w, conn)
	}
}

func (s *Server) addClient(w *worker, conn *transport.Conn) {
	c := &client{
		conn: conn,
		log: s.log.With().
			Str("conn_id", conn.ID()).
			Str("remote", conn.RemoteAddr()).
			Logger(),
		dec: protocol.Decoder{MaxMessage: s.cfg.Server.MaxRequest},
	}
	fd := conn.Fd()
	if !s.clients.Insert(uint64(fd), c) {
		w.log.Error().Int("fd", fd).Msg("fd already tracked")
		conn.Close()
		return
	}
	s.metrics.ConnOpened()
	if _, err := s.reactor.Register(fd, &event{fd: fd, onRead: s.onClientRead, onClose: s.onClientClose, client: c}); err != nil {
		w.log.Error().Err(err).Int("fd", fd).Msg("register client")
		s.dropClient(fd, c)
		return
	}
	c.log.Debug().Bool("tls", conn.Secure()).Msg("client connected")
}

func (s *Server) onClientRead(w *worker, ev *event) reactor.Status {
	c := ev.client
	buf, err := c.conn.ReadAvailable(c.buf, s.cfg.Server.MaxRequest)
	c.buf = buf
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		if errors.Is(err, transport.ErrReadOverflow) {
			c.log.Warn().Int("buffered", len(buf)).Msg("request too large")
		} else {
			c.log.Debug().Err(err).Msg("read")
		}
		return reactor.StatusError
	}

	st := reactor.StatusOK
	if len(c.buf) > 0 || c.pending != nil {
		if c.state.Has(protocol.StateWebSocket) {
			st = s.serveWS(w, c)
		} else {
			st = s.serveHTTP(w, c)
		}
	}
	if eof && st == reactor.StatusOK {
		c.log.Debug().Msg("peer closed")
		return reactor.StatusClose
	}
	return st
}

// consume keeps the unprocessed tail of the receive buffer at its front.
func (c *client) consume(n int) {
	c.buf = append(c.buf[:0], c.buf[n:]...)
}

func (s *Server) onClientClose(_ *worker, ev *event) {
	s.dropClient(ev.fd, ev.client)
}

// dropClient removes c from every index, releases its session and closes
// the socket. The fd must already be out of the reactor.
func (s *Server) dropClient(fd int, c *client) {
	if cur, ok := s.clients.Get(uint64(fd)); ok && cur == c {
		s.clients.Delete(uint64(fd))
	}
	s.unbind(c)
	if c.sess != nil {
		if err := s.sessions.Detach(c.sess); err != nil {
			c.log.Warn().Err(err).Msg("detach session")
		}
		c.sess = nil
	}
	c.conn.Close()
	s.metrics.ConnClosed()
	c.log.Debug().Msg("client disconnected")
}

// bind attaches c to the account of u, creating the account for the first
// client of that user. It reports whether the user just came online.
func (s *Server) bind(c *client, u *db.User) (*account, bool) {
	for {
		acct, ok := s.accounts.Get(uint64(u.ID))
		if !ok {
			fresh := &account{user: *u, clients: []*client{c}}
			if s.accounts.Insert(uint64(u.ID), fresh) {
				fresh.presence.Set(u.ID, chat.Online, false, 0)
				c.acct.Store(fresh)
				return fresh, true
			}
			continue
		}
		acct.mu.Lock()
		if len(acct.clients) == 0 {
			// Raced with the last client leaving; the entry is on its way out.
			acct.mu.Unlock()
			continue
		}
		acct.clients = append(acct.clients, c)
		acct.mu.Unlock()
		c.acct.Store(acct)
		return acct, false
	}
}

// unbind detaches c from its account and announces the user offline when
// it was the last client.
func (s *Server) unbind(c *client) {
	acct := c.acct.Swap(nil)
	if acct == nil {
		return
	}
	acct.mu.Lock()
	for i, other := range acct.clients {
		if other == c {
			acct.clients = append(acct.clients[:i], acct.clients[i+1:]...)
			break
		}
	}
	last := len(acct.clients) == 0
	uid := acct.user.ID
	acct.mu.Unlock()
	if !last {
		return
	}
	if cur, ok := s.accounts.Get(uint64(uid)); ok && cur == acct {
		s.accounts.Delete(uint64(uid))
	}
	s.broadcast(acct.presence.Set(uid, chat.Offline, false, 0))
}

// connected lists every client bound to an account.
func (s *Server) connected() []*client {
	var out []*client
	s.accounts.Range(func(_ uint64, a *account) bool {
		a.mu.Lock()
		out = append(out, a.clients...)
		a.mu.Unlock()
		return true
	})
	return out
}

// lookupAccount returns the live account of a user, if any client of it is
// connected.
func (s *Server) lookupAccount(id uint32) (*account, bool) {
	return s.accounts.Get(uint64(id))
}
