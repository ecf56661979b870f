// File: server/ws.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket side of a client: frame handling, command dispatch and sends.

package server

import (
	"errors"
	"io"

	"github.com/gobwas/ws"

	"github.com/momentics/hioload-chat/api"
	"github.com/momentics/hioload-chat/internal/chat"
	"github.com/momentics/hioload-chat/protocol"
	"github.com/momentics/hioload-chat/reactor"
)

// Command rejections are *api.Error values; their message goes back to the
// client verbatim.
var (
	errUnknownCommand = api.NewError(api.ErrCodeNotSupported, "Unknown command")
	errNotLoggedIn    = api.NewError(api.ErrCodeUnauthorized, "Not logged in")
	errLoggedIn       = api.NewError(api.ErrCodeAlreadyExists, "Already logged in")
)

type command struct {
	auth bool
	fn   func(s *Server, w *worker, c *client, data []byte) error
}

var commands = map[string]command{
	chat.CmdRegister:       {fn: (*Server).cmdRegister},
	chat.CmdLogin:          {fn: (*Server).cmdLogin},
	chat.CmdSession:        {fn: (*Server).cmdSession},
	chat.CmdClientUserInfo: {auth: true, fn: (*Server).cmdClientUserInfo},
	chat.CmdGetUser:        {auth: true, fn: (*Server).cmdGetUser},
	chat.CmdEditAccount:    {auth: true, fn: (*Server).cmdEditAccount},
	chat.CmdSendMsg:        {auth: true, fn: (*Server).cmdSendMsg},
	chat.CmdRTUSM:          {auth: true, fn: (*Server).cmdRTUSM},
}

func (s *Server) serveWS(w *worker, c *client) reactor.Status {
	msgs, rest, err := c.dec.Decode(c.buf)
	c.consume(len(c.buf) - len(rest))

	for _, m := range msgs {
		switch m.Op {
		case ws.OpText, ws.OpBinary:
			s.metrics.WSIn()
			s.handlePacket(w, c, m.Payload)
		case ws.OpPing:
			if err := c.conn.Locked(func(wr io.Writer) error { return protocol.WritePong(wr, m.Payload) }); err != nil {
				return reactor.StatusError
			}
		case ws.OpClose:
			c.conn.Locked(func(wr io.Writer) error {
				return protocol.WriteClose(wr, ws.StatusNormalClosure, "")
			})
			c.log.Debug().Msg("websocket closed by peer")
			return reactor.StatusClose
		}
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("websocket protocol error")
		code := ws.StatusProtocolError
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			code = ws.StatusMessageTooBig
		}
		c.conn.Locked(func(wr io.Writer) error { return protocol.WriteClose(wr, code, "") })
		return reactor.StatusClose
	}
	return reactor.StatusOK
}

func (s *Server) handlePacket(w *worker, c *client, data []byte) {
	name, err := chat.Command(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("bad packet")
		s.send(c, chat.Error("Invalid packet"))
		return
	}
	cmd, ok := commands[name]
	switch {
	case !ok:
		err = errUnknownCommand
	case cmd.auth && c.acct.Load() == nil:
		err = errNotLoggedIn
	default:
		err = cmd.fn(s, w, c, data)
	}
	if err == nil {
		return
	}

	var (
		apiErr *api.Error
		reply  string
	)
	switch {
	case errors.As(err, &apiErr):
		reply = apiErr.Message
	case errors.Is(err, chat.ErrField):
		reply = err.Error()
	default:
		c.log.Error().Err(err).Str("cmd", name).Msg("command failed")
		reply = "Internal server error"
	}
	c.log.Debug().Str("cmd", name).Str("error", reply).Msg("command rejected")
	s.send(c, chat.Error(reply))
}

// reply encodes v and sends it to c.
func (s *Server) reply(c *client, v any) error {
	b, err := chat.Encode(v)
	if err != nil {
		return err
	}
	s.send(c, b)
	return nil
}

func (s *Server) send(c *client, payload []byte) {
	err := c.conn.Locked(func(wr io.Writer) error { return protocol.WriteText(wr, payload) })
	if err != nil {
		c.log.Debug().Err(err).Msg("websocket send")
		return
	}
	s.metrics.WSOut(1)
}

// broadcast sends v to every connected, logged-in client. The frame is
// encoded once; a failed write is left for the owning worker to notice.
func (s *Server) broadcast(v any) {
	b, err := chat.Encode(v)
	if err != nil {
		s.log.Error().Err(err).Msg("encode broadcast")
		return
	}
	frame, err := protocol.EncodeText(b)
	if err != nil {
		s.log.Error().Err(err).Msg("frame broadcast")
		return
	}
	sent := 0
	for _, c := range s.connected() {
		if _, err := c.conn.Write(frame); err == nil {
			sent++
		}
	}
	s.metrics.WSOut(sent)
}
